package worker

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressPrint(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(10, true)
	p.output = &buf
	p.startTime = time.Now().Add(-10 * time.Second)

	p.Update(5, 10, 1)

	out := buf.String()
	assert.Contains(t, out, "█")
	assert.Contains(t, out, "5/10 tiles")
	assert.Contains(t, out, "(1 failed)")
	assert.Contains(t, out, "tiles/sec")
	assert.Contains(t, out, "ETA:")
}

func TestProgressDone(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(3, true)
	p.output = &buf
	p.startTime = time.Now().Add(-3 * time.Second)

	p.Update(3, 3, 0)
	buf.Reset()
	p.Done()

	out := buf.String()
	assert.Contains(t, out, "Done in")
	assert.True(t, len(out) > 0 && out[len(out)-1] == '\n')
}

func TestProgressDisabled(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(10, false)
	p.output = &buf

	p.Update(5, 10, 0)

	assert.Zero(t, buf.Len())
}

func TestProgressSummary(t *testing.T) {
	p := NewProgress(10, false)
	p.startTime = time.Now().Add(-10 * time.Second)

	p.Update(10, 10, 2)

	s := p.Summary()
	assert.Contains(t, s, "8/10 tiles")
	assert.Contains(t, s, "2 failed")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "30s", formatDuration(30*time.Second))
	assert.Equal(t, "1m30s", formatDuration(90*time.Second))
	assert.Equal(t, "1h5m", formatDuration(65*time.Minute))
}
