package testutil

import (
	"context"
	"sync"

	velocity "github.com/eugener/velocity/internal"
)

// FakeQueue records enqueued tasks without running them.
type FakeQueue struct {
	mu    sync.Mutex
	tasks []velocity.Task
}

var _ velocity.TaskQueue = (*FakeQueue)(nil)

// Enqueue records t and always accepts it.
func (q *FakeQueue) Enqueue(t velocity.Task) bool {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	return true
}

// IDs returns the IDs of recorded tasks in enqueue order.
func (q *FakeQueue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.tasks))
	for i, t := range q.tasks {
		ids[i] = t.ID
	}
	return ids
}

// RunAll runs and forgets every recorded task, returning the first error.
func (q *FakeQueue) RunAll(ctx context.Context) error {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	var first error
	for _, t := range tasks {
		if err := t.Run(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
