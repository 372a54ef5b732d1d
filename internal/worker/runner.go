// Package worker supervises the relay's background goroutines (the async
// writer, the upstream transport manager, the HTTP server) under one
// errgroup so a fatal failure in any of them brings the others down
// cleanly. Rate-limit marks are cleared lazily inline on the request path
// rather than by a dedicated sweep worker.
package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Worker is anything the Runner can supervise.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner runs a fixed set of workers concurrently under one cancellation
// scope, grounded on the errgroup-based supervisor pattern used for
// background workers elsewhere in the retrieval pack.
type Runner struct {
	workers []Worker
}

// NewRunner builds a Runner over workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts all workers and blocks until ctx is cancelled or one fails.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		w := w
		slog.Info("background worker started", "name", w.Name())
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}

// Func adapts a plain function + name into a Worker.
type Func struct {
	WorkerName string
	Fn         func(ctx context.Context) error
}

func (f *Func) Name() string                  { return f.WorkerName }
func (f *Func) Run(ctx context.Context) error { return f.Fn(ctx) }
