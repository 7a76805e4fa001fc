package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	velocity "github.com/eugener/velocity/internal"
)

const (
	warmQueueSize   = 256
	warmTaskTimeout = time.Minute
	warmDrainTime   = 30 * time.Second
)

var _ velocity.TaskQueue = (*Warmer)(nil)

// WarmerStats is a snapshot of the Warmer counters.
type WarmerStats struct {
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

// Warmer runs detached background tasks such as sprint cache warming and
// subset refreshes on a fixed number of consumers. Tasks are dropped when
// the queue is full; a task whose ID is already queued is rejected.
type Warmer struct {
	ch      chan velocity.Task
	workers int

	mu          sync.Mutex
	pending     map[string]struct{}
	outstanding int           // queued plus running
	idle        chan struct{} // closed while outstanding == 0
	closed      bool          // set once Run stops consuming

	enqueued  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewWarmer creates a Warmer with the given consumer count and queue size.
// Non-positive values take defaults.
func NewWarmer(workers, queueSize int) *Warmer {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = warmQueueSize
	}
	idle := make(chan struct{})
	close(idle)
	return &Warmer{
		ch:      make(chan velocity.Task, queueSize),
		workers: workers,
		pending: make(map[string]struct{}),
		idle:    idle,
	}
}

// Name returns the worker identifier.
func (w *Warmer) Name() string { return "warmer" }

// Enqueue queues t. It never blocks. Tasks offered after Run has stopped
// are dropped.
func (w *Warmer) Enqueue(t velocity.Task) bool {
	if t.Run == nil {
		return false
	}
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.dropped.Add(1)
		slog.Debug("background task dropped, warmer stopped", "task", t.ID)
		return false
	}
	if _, ok := w.pending[t.ID]; ok {
		return false
	}
	select {
	case w.ch <- t:
		w.pending[t.ID] = struct{}{}
		if w.outstanding == 0 {
			w.idle = make(chan struct{})
		}
		w.outstanding++
		w.enqueued.Add(1)
		return true
	default:
		w.dropped.Add(1)
		slog.Warn("background task dropped, queue full", "task", t.ID)
		return false
	}
}

// Stats returns the current counters.
func (w *Warmer) Stats() WarmerStats {
	return WarmerStats{
		Enqueued:  w.enqueued.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
		Queued:    len(w.ch),
	}
}

// Idle blocks until no task is queued or running, or ctx is done.
func (w *Warmer) Idle(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes tasks until ctx is cancelled, then drains the queue.
func (w *Warmer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range w.workers {
		wg.Go(func() {
			for {
				select {
				case t := <-w.ch:
					w.run(ctx, t)
				case <-ctx.Done():
					return
				}
			}
		})
	}
	wg.Wait()

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.drain()
	return nil
}

func (w *Warmer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), warmDrainTime)
	defer cancel()

	for {
		select {
		case t := <-w.ch:
			if ctx.Err() != nil {
				w.forget(t.ID)
				w.dropped.Add(1)
				w.finish()
				continue
			}
			w.run(ctx, t)
		default:
			return
		}
	}
}

// run executes one task. Errors and panics are counted and logged; they
// never stop the consumer.
func (w *Warmer) run(ctx context.Context, t velocity.Task) {
	// Forget first so the same work can be queued again while this runs.
	w.forget(t.ID)
	defer w.finish()

	ctx, cancel := context.WithTimeout(ctx, warmTaskTimeout)
	defer cancel()

	start := time.Now()
	err := safeRun(ctx, t)
	if err != nil {
		w.failed.Add(1)
		slog.LogAttrs(ctx, slog.LevelWarn, "background task failed",
			slog.String("task", t.ID),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return
	}
	w.completed.Add(1)
	slog.LogAttrs(ctx, slog.LevelDebug, "background task completed",
		slog.String("task", t.ID),
		slog.Duration("elapsed", time.Since(start)),
	)
}

func (w *Warmer) forget(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// finish marks one outstanding task done and wakes Idle waiters.
func (w *Warmer) finish() {
	w.mu.Lock()
	w.outstanding--
	if w.outstanding == 0 {
		close(w.idle)
	}
	w.mu.Unlock()
}

func safeRun(ctx context.Context, t velocity.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}
