// Package worker provides a parallel tile prefetch pool for warming the
// persistent cache ahead of serving.
package worker

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"
)

// ErrMissing is reported for tiles the upstream provider has no data for.
var ErrMissing = errors.New("tile unavailable upstream")

// Resolver produces a tile image for a layer, fetching and caching as
// needed. *engine.Engine satisfies it.
type Resolver interface {
	Tile(ctx context.Context, layerID string, z, x, y int) (image.Image, error)
}

// Task names a single tile to prefetch.
type Task struct {
	Layer string
	Z     int
	X     int
	Y     int
}

// Result is the outcome of one prefetch task.
type Result struct {
	Task    Task
	Err     error
	Elapsed time.Duration
}

// ProgressFunc is called after each task completes.
type ProgressFunc func(completed, total, failed int)

// Config configures the prefetch pool.
type Config struct {
	Workers    int
	Resolver   Resolver
	OnProgress ProgressFunc
}

// Pool resolves tiles in parallel through a fixed number of workers.
type Pool struct {
	workers    int
	resolver   Resolver
	onProgress ProgressFunc
}

func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		workers:    workers,
		resolver:   cfg.Resolver,
		onProgress: cfg.OnProgress,
	}
}

// Run resolves all tasks and blocks until they complete or the context is
// cancelled. Tasks still queued when the context ends are reported with
// the context's error instead of being resolved.
func (p *Pool) Run(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	taskCh := make(chan Task, len(tasks))
	resultCh := make(chan Result, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, taskCh, resultCh)
		}()
	}

	for _, task := range tasks {
		taskCh <- task
	}
	close(taskCh)

	results := make([]Result, 0, len(tasks))
	done := make(chan struct{})
	go func() {
		defer close(done)
		var completed, failed int
		for result := range resultCh {
			results = append(results, result)
			completed++
			if result.Err != nil {
				failed++
			}
			if p.onProgress != nil {
				p.onProgress(completed, len(tasks), failed)
			}
		}
	}()

	wg.Wait()
	close(resultCh)
	<-done

	return results
}

func (p *Pool) worker(ctx context.Context, tasks <-chan Task, results chan<- Result) {
	for task := range tasks {
		select {
		case <-ctx.Done():
			results <- Result{Task: task, Err: ctx.Err()}
			continue
		default:
		}

		start := time.Now()
		img, err := p.resolver.Tile(ctx, task.Layer, task.Z, task.X, task.Y)
		if err == nil && img == nil {
			err = ErrMissing
		}
		results <- Result{Task: task, Err: err, Elapsed: time.Since(start)}
	}
}
