package worker

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = time.Minute

// Sweep removes expired state of one kind and reports how many items it
// removed.
type Sweep struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Janitor periodically runs sweeps: expired cache entries in every tier,
// idle circuit breakers, lapsed cooldowns and idle pacer buckets.
type Janitor struct {
	interval time.Duration
	sweeps   []Sweep
}

// NewJanitor creates a Janitor. A non-positive interval defaults to one minute.
func NewJanitor(interval time.Duration, sweeps ...Sweep) *Janitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Janitor{interval: interval, sweeps: sweeps}
}

// Name returns the worker identifier.
func (j *Janitor) Name() string { return "janitor" }

// Run sweeps on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep runs every sweep once. A failing sweep does not stop the others.
func (j *Janitor) Sweep(ctx context.Context) map[string]int {
	removed := make(map[string]int, len(j.sweeps))
	for _, s := range j.sweeps {
		n, err := s.Run(ctx)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "sweep failed",
				slog.String("sweep", s.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed[s.Name] = n
		if n > 0 {
			slog.LogAttrs(ctx, slog.LevelDebug, "sweep completed",
				slog.String("sweep", s.Name),
				slog.Int("removed", n),
			)
		}
	}
	return removed
}
