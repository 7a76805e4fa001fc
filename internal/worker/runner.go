package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner runs a fixed set of workers together. The first worker to fail
// cancels the rest.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner with the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run blocks until every worker has returned. A worker error or panic is
// returned wrapped with the worker's name.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		name := workerName(w)
		g.Go(func() error {
			start := time.Now()
			slog.LogAttrs(ctx, slog.LevelInfo, "worker started", slog.String("worker", name))
			err := runSafely(ctx, w)
			level := slog.LevelInfo
			if err != nil {
				level = slog.LevelError
				err = fmt.Errorf("%s: %w", name, err)
			}
			slog.LogAttrs(ctx, level, "worker stopped",
				slog.String("worker", name),
				slog.Duration("uptime", time.Since(start)),
				slog.Any("error", err),
			)
			return err
		})
	}
	return g.Wait()
}

func runSafely(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Run(ctx)
}

func workerName(w Worker) string {
	if n, ok := w.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
