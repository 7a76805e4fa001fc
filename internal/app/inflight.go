package app

import "sync"

// inflight tracks which cache keys are being computed. The first caller for
// a key becomes its owner; later callers wait on the owner's done channel.
type inflight struct {
	mu    sync.Mutex
	calls map[string]chan struct{}
}

func newInflight() *inflight {
	return &inflight{calls: make(map[string]chan struct{})}
}

// acquire registers the caller as owner of key if nobody is, returning
// owner=true. Otherwise it returns the current owner's done channel.
func (f *inflight) acquire(key string) (done <-chan struct{}, owner bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.calls[key]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	f.calls[key] = ch
	return ch, true
}

// release removes key and wakes every waiter. Only the owner calls it.
func (f *inflight) release(key string) {
	f.mu.Lock()
	ch, ok := f.calls[key]
	delete(f.calls, key)
	f.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
