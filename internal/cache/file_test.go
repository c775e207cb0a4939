package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileStore(t *testing.T, tileTTL, tneTTL time.Duration) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), ".png", tileTTL, tneTTL)
	require.NoError(t, err)
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := newFileStore(t, 0, 0)
	k := Key{Z: 5, X: 17, Y: 11}

	_, err := s.Read(k)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Exists(k))
	assert.True(t, NeedsFetch(s, k))

	require.NoError(t, s.WriteImage(k, []byte("tile-bytes")))
	data, err := s.Read(k)
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-bytes"), data)
	assert.True(t, s.Exists(k))
	assert.False(t, NeedsFetch(s, k))

	// Layout matches the MOBAC convention.
	_, err = os.Stat(filepath.Join(s.dir, "5", "17", "11.png"))
	assert.NoError(t, err)
}

func TestFileStoreTNE(t *testing.T) {
	s := newFileStore(t, 0, 0)
	k := Key{Z: 3, X: 1, Y: 2}

	require.NoError(t, s.WriteTNE(k))
	assert.True(t, s.HasTNE(k))
	assert.False(t, s.Exists(k))
	assert.False(t, NeedsFetch(s, k), "fresh tne marker suppresses refetch")

	// A tile write clears the marker.
	require.NoError(t, s.WriteImage(k, []byte("x")))
	assert.False(t, s.HasTNE(k))
	assert.True(t, s.Exists(k))

	// A marker write leaves the tile alone, however often it is repeated.
	require.NoError(t, s.WriteTNE(k))
	require.NoError(t, s.WriteTNE(k))
	assert.True(t, s.HasTNE(k))
	assert.True(t, s.Exists(k))
	data, err := s.Read(k)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestFileStoreTTL(t *testing.T) {
	s := newFileStore(t, time.Hour, time.Hour)
	k := Key{Z: 1, X: 0, Y: 0}

	require.NoError(t, s.WriteImage(k, []byte("old")))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(s.TilePath(k), old, old))

	assert.False(t, s.Exists(k), "stale tile is invisible")
	_, err := s.Read(k)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, NeedsFetch(s, k))

	require.NoError(t, s.WriteTNE(k))
	require.NoError(t, os.Chtimes(s.tnePath(k), old, old))
	assert.False(t, s.HasTNE(k), "stale tne marker expires")
	assert.True(t, NeedsFetch(s, k))
}

func TestFileStoreInfiniteTTL(t *testing.T) {
	s := newFileStore(t, 0, 0)
	k := Key{Z: 1, X: 1, Y: 1}

	require.NoError(t, s.WriteImage(k, []byte("forever")))
	ancient := time.Now().Add(-10 * 365 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(s.TilePath(k), ancient, ancient))
	assert.True(t, s.Exists(k))
}
