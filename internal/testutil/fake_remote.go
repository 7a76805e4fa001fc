package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eugener/velocity/internal/cache"
)

// ErrRemoteDown is returned by every FakeRemote call while it is down.
var ErrRemoteDown = errors.New("remote cache unavailable")

var _ cache.Remote = (*FakeRemote)(nil)

// FakeRemote is an in-memory cache.Remote that can be switched off to
// exercise degraded paths. Entries are shared by pointer, so several
// caches built over one FakeRemote behave like processes sharing a server.
type FakeRemote struct {
	mu   sync.Mutex
	data map[string]*cache.Entry
	down atomic.Bool

	gets atomic.Int64
	sets atomic.Int64
}

// NewFakeRemote returns an empty, reachable FakeRemote.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{data: make(map[string]*cache.Entry)}
}

// SetDown makes every subsequent call fail (or succeed again).
func (f *FakeRemote) SetDown(down bool) { f.down.Store(down) }

// Gets returns the number of Get calls, including failed ones.
func (f *FakeRemote) Gets() int64 { return f.gets.Load() }

// Sets returns the number of Set calls, including failed ones.
func (f *FakeRemote) Sets() int64 { return f.sets.Load() }

// Len returns the number of stored entries.
func (f *FakeRemote) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func (f *FakeRemote) Name() string { return "fake" }

func (f *FakeRemote) Get(_ context.Context, key string) (*cache.Entry, error) {
	f.gets.Add(1)
	if f.down.Load() {
		return nil, ErrRemoteDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key], nil
}

func (f *FakeRemote) Set(_ context.Context, key string, e *cache.Entry) error {
	f.sets.Add(1)
	if f.down.Load() {
		return ErrRemoteDown
	}
	f.mu.Lock()
	f.data[key] = e
	f.mu.Unlock()
	return nil
}

func (f *FakeRemote) Delete(_ context.Context, key string) error {
	if f.down.Load() {
		return ErrRemoteDown
	}
	f.mu.Lock()
	delete(f.data, key)
	f.mu.Unlock()
	return nil
}

func (f *FakeRemote) DeletePrefix(_ context.Context, prefix string) ([]string, error) {
	if f.down.Load() {
		return nil, ErrRemoteDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			delete(f.data, k)
		}
	}
	return keys, nil
}

func (f *FakeRemote) Clear(context.Context) error {
	if f.down.Load() {
		return ErrRemoteDown
	}
	f.mu.Lock()
	clear(f.data)
	f.mu.Unlock()
	return nil
}

func (f *FakeRemote) Scan(_ context.Context, ns string) ([]cache.KeyedEntry, error) {
	if f.down.Load() {
		return nil, ErrRemoteDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cache.KeyedEntry
	for k, e := range f.data {
		if ns == "" || e.Namespace == ns {
			out = append(out, cache.KeyedEntry{Key: k, Entry: e})
		}
	}
	return out, nil
}

func (f *FakeRemote) Ping(context.Context) error {
	if f.down.Load() {
		return ErrRemoteDown
	}
	return nil
}
