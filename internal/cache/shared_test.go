package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRemote is an in-memory Remote with injectable failures.
type fakeRemote struct {
	mu      sync.Mutex
	data    map[string]*Entry
	failAll bool
	pingErr error
	pings   int
	sets    int
}

func newFakeRemote() *fakeRemote { return &fakeRemote{data: make(map[string]*Entry)} }

var errRemoteDown = errors.New("connection refused")

func (f *fakeRemote) Name() string { return "fake" }

func (f *fakeRemote) Get(ctx context.Context, key string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failAll {
		return nil, errRemoteDown
	}
	return f.data[key], nil
}

func (f *fakeRemote) Set(_ context.Context, key string, e *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errRemoteDown
	}
	f.sets++
	f.data[key] = e
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errRemoteDown
	}
	delete(f.data, key)
	return nil
}

func (f *fakeRemote) DeletePrefix(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errRemoteDown
	}
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			delete(f.data, k)
		}
	}
	return keys, nil
}

func (f *fakeRemote) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make(map[string]*Entry)
	return nil
}

func (f *fakeRemote) Scan(_ context.Context, ns string) ([]KeyedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errRemoteDown
	}
	var out []KeyedEntry
	for k, e := range f.data {
		if ns == "" || e.Namespace == ns {
			out = append(out, KeyedEntry{Key: k, Entry: e})
		}
	}
	return out, nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.pingErr
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestShared(t *testing.T, opts Options) (*Shared, *clock) {
	t.Helper()
	clk := &clock{t: time.Now()}
	opts.Now = clk.Now
	return New(newTestMemory(t), opts), clk
}

func statsFor(s *Shared, ns string) NamespaceMetrics {
	for _, m := range s.Stats() {
		if m.Namespace == ns {
			return m
		}
	}
	return NamespaceMetrics{Namespace: ns}
}

func TestShared_RoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestShared(t, Options{})
	ctx := context.Background()

	e := s.Set(ctx, "", "preview:k", []byte("v"), time.Minute)
	if e.Namespace != "preview" || e.Backend != localBackend {
		t.Errorf("entry = %+v, want preview namespace on memory backend", e)
	}
	if !e.ExpiresAt.After(e.CachedAt) {
		t.Error("expiresAt must be after cachedAt")
	}

	got, ok := s.Get(ctx, "", "preview:k")
	if !ok || string(got.Value) != "v" {
		t.Fatalf("get = %v, %v", got, ok)
	}
}

func TestShared_TTLClampedToFloor(t *testing.T) {
	t.Parallel()
	s, clk := newTestShared(t, Options{})
	ctx := context.Background()

	for _, ttl := range []time.Duration{0, -time.Hour} {
		e := s.Set(ctx, "", "k", []byte("v"), ttl)
		if got := e.ExpiresAt.Sub(e.CachedAt); got != MinTTL {
			t.Errorf("ttl %v clamped to %v, want %v", ttl, got, MinTTL)
		}
		if _, ok := s.Get(ctx, "", "k"); !ok {
			t.Errorf("ttl %v: immediate get should hit", ttl)
		}
	}

	clk.Advance(MinTTL)
	if _, ok := s.Get(ctx, "", "k"); ok {
		t.Error("entry should expire at the floor")
	}
}

func TestShared_ExpiredNeverReturned(t *testing.T) {
	t.Parallel()
	remote := newFakeRemote()
	s, clk := newTestShared(t, Options{Remote: remote})
	ctx := context.Background()

	s.Set(ctx, "", "preview:k", []byte("v"), 5*time.Second)
	clk.Advance(10 * time.Second)

	if _, ok := s.Get(ctx, "", "preview:k"); ok {
		t.Fatal("expired entry returned")
	}
	// The stale remote copy was deleted opportunistically.
	if e, _ := remote.Get(ctx, "preview:k"); e != nil {
		t.Error("expired remote entry should be purged on access")
	}
}

func TestShared_RemoteHitPromotesToLocal(t *testing.T) {
	t.Parallel()
	remote := newFakeRemote()
	s, clk := newTestShared(t, Options{Remote: remote})
	ctx := context.Background()

	now := clk.Now()
	remote.data["preview:x"] = &Entry{
		Value: []byte("remote"), CachedAt: now, ExpiresAt: now.Add(time.Minute),
		Namespace: "preview", Backend: "fake", OriginID: "other-instance",
	}

	e, ok := s.Get(ctx, "", "preview:x")
	if !ok || string(e.Value) != "remote" {
		t.Fatalf("remote hit expected, got %v %v", e, ok)
	}

	// Remote goes away; the promoted local copy still serves.
	remote.mu.Lock()
	remote.failAll = true
	remote.mu.Unlock()
	if _, ok := s.Get(ctx, "", "preview:x"); !ok {
		t.Error("promoted entry should be served from the local tier")
	}
	if got := statsFor(s, "preview").Hits; got != 2 {
		t.Errorf("hits = %d, want 2", got)
	}
}

func TestShared_RemoteFailuresNeverPropagate(t *testing.T) {
	t.Parallel()
	remote := newFakeRemote()
	remote.failAll = true
	s, _ := newTestShared(t, Options{Remote: remote, RemoteScan: true})
	ctx := context.Background()

	s.Set(ctx, "", "preview:k", []byte("v"), time.Minute)
	if _, ok := s.Get(ctx, "", "preview:k"); !ok {
		t.Fatal("local tier must stay authoritative when remote fails")
	}
	if got := len(s.Entries(ctx, "preview")); got != 1 {
		t.Errorf("entries = %d, want 1", got)
	}
	if got := s.InvalidatePrefix(ctx, "preview:"); got != 1 {
		t.Errorf("invalidated = %d, want 1", got)
	}

	m := statsFor(s, "preview")
	if m.Errors == 0 {
		t.Error("remote failures should be counted as errors")
	}
	if s.RemoteReady() {
		t.Error("remote should be marked not ready after a failure")
	}
}

func TestShared_ReconnectInterval(t *testing.T) {
	t.Parallel()
	remote := newFakeRemote()
	remote.pingErr = errRemoteDown
	s, clk := newTestShared(t, Options{Remote: remote, ReconnectInterval: time.Minute})
	ctx := context.Background()

	s.Get(ctx, "", "a:1")
	s.Get(ctx, "", "a:2")
	if remote.pings != 1 {
		t.Fatalf("pings = %d, want 1 within the reconnect interval", remote.pings)
	}

	remote.mu.Lock()
	remote.pingErr = nil
	remote.mu.Unlock()
	clk.Advance(2 * time.Minute)

	s.Set(ctx, "", "a:3", []byte("v"), time.Minute)
	if !s.RemoteReady() {
		t.Fatal("remote should reconnect after the interval")
	}
	if remote.sets != 1 {
		t.Errorf("remote sets = %d, want 1", remote.sets)
	}
}

func TestShared_CancelledCallerKeepsRemoteReady(t *testing.T) {
	t.Parallel()
	remote := newFakeRemote()
	s, clk := newTestShared(t, Options{Remote: remote, ReconnectInterval: time.Hour})
	remote.data["preview:remote"] = &Entry{
		Namespace: "preview",
		Value:     []byte("v"),
		CachedAt:  clk.Now(),
		ExpiresAt: clk.Now().Add(time.Minute),
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancelled before the first dial.
	if _, ok := s.Get(cancelled, "", "preview:remote"); ok {
		t.Fatal("cancelled get should miss")
	}
	if _, ok := s.Get(context.Background(), "", "preview:other"); ok {
		t.Fatal("unexpected hit")
	}
	if !s.RemoteReady() {
		t.Fatal("a cancelled dial must not delay the next caller's dial")
	}

	// Cancelled while the tier is connected.
	if _, ok := s.Get(cancelled, "", "preview:remote"); ok {
		t.Fatal("cancelled get should miss")
	}
	if !s.RemoteReady() {
		t.Fatal("remote marked not ready after a cancelled caller")
	}
	if _, ok := s.Get(context.Background(), "", "preview:remote"); !ok {
		t.Fatal("healthy get after cancelled caller should reach the remote tier")
	}
	if m := statsFor(s, "preview"); m.Errors != 0 {
		t.Errorf("errors = %d, want 0", m.Errors)
	}
}

func TestShared_EntriesMergeLocalWins(t *testing.T) {
	t.Parallel()
	remote := newFakeRemote()
	s, clk := newTestShared(t, Options{Remote: remote, RemoteScan: true})
	ctx := context.Background()
	now := clk.Now()

	s.Set(ctx, "", "preview:shared", []byte("local"), time.Minute)
	remote.data["preview:shared"] = &Entry{Value: []byte("remote"), Namespace: "preview", ExpiresAt: now.Add(time.Minute)}
	remote.data["preview:only-remote"] = &Entry{Value: []byte("r"), Namespace: "preview", ExpiresAt: now.Add(time.Minute)}
	remote.data["preview:stale"] = &Entry{Value: []byte("old"), Namespace: "preview", ExpiresAt: now.Add(-time.Minute)}
	remote.data["sprint:1"] = &Entry{Value: []byte("s"), Namespace: "sprint", ExpiresAt: now.Add(time.Minute)}

	got := s.Entries(ctx, "preview")
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Key != "preview:only-remote" || got[1].Key != "preview:shared" {
		t.Errorf("keys = %q, %q; want sorted", got[0].Key, got[1].Key)
	}
	if string(got[1].Entry.Value) != "local" {
		t.Errorf("collision value = %q, want local", got[1].Entry.Value)
	}
}

func TestShared_EntriesWithoutRemoteScan(t *testing.T) {
	t.Parallel()
	remote := newFakeRemote()
	s, clk := newTestShared(t, Options{Remote: remote})
	ctx := context.Background()

	remote.data["preview:r"] = &Entry{Namespace: "preview", ExpiresAt: clk.Now().Add(time.Minute)}
	s.Set(ctx, "", "preview:l", []byte("v"), time.Minute)

	if got := len(s.Entries(ctx, "preview")); got != 1 {
		t.Errorf("entries = %d, want only the local one", got)
	}
}

func TestShared_InvalidatePrefixBothTiers(t *testing.T) {
	t.Parallel()
	remote := newFakeRemote()
	s, clk := newTestShared(t, Options{Remote: remote})
	ctx := context.Background()

	s.Set(ctx, "", "sprint:1", []byte("a"), time.Minute)
	s.Set(ctx, "", "sprint:2", []byte("b"), time.Minute)
	s.Set(ctx, "", "preview:1", []byte("c"), time.Minute)
	remote.data["sprint:3"] = &Entry{Namespace: "sprint", ExpiresAt: clk.Now().Add(time.Minute)}

	if got := s.InvalidatePrefix(ctx, "sprint:"); got != 3 {
		t.Errorf("removed = %d, want 3 distinct keys", got)
	}
	if _, ok := s.Get(ctx, "", "sprint:1"); ok {
		t.Error("sprint:1 should be gone")
	}
	if _, ok := s.Get(ctx, "", "preview:1"); !ok {
		t.Error("preview:1 should survive")
	}
	if got := statsFor(s, "sprint").Deletes; got != 3 {
		t.Errorf("sprint deletes = %d, want 3", got)
	}
}

func TestShared_NamespaceMetrics(t *testing.T) {
	t.Parallel()
	s, _ := newTestShared(t, Options{})
	ctx := context.Background()

	s.Set(ctx, "", "boards:A", []byte("x"), time.Minute)
	s.Get(ctx, "", "boards:A")
	s.Get(ctx, "", "boards:A")
	s.Get(ctx, "", "boards:B")
	s.Delete(ctx, "", "boards:A")
	s.Get(ctx, "custom", "anything")

	m := statsFor(s, "boards")
	if m.Hits != 2 || m.Misses != 1 || m.Sets != 1 || m.Deletes != 1 {
		t.Errorf("boards metrics = %+v", m)
	}
	if m.HitRate < 0.66 || m.HitRate > 0.67 {
		t.Errorf("hit rate = %f, want ~0.667", m.HitRate)
	}
	if got := statsFor(s, "custom").Misses; got != 1 {
		t.Errorf("explicit namespace misses = %d, want 1", got)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) CacheEvent(ns, event string) {
	r.mu.Lock()
	r.events = append(r.events, ns+"/"+event)
	r.mu.Unlock()
}

func TestShared_Observer(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s, _ := newTestShared(t, Options{Observer: obs})
	ctx := context.Background()

	s.Set(ctx, "", "fields:all", []byte("x"), time.Minute)
	s.Get(ctx, "", "fields:all")

	want := []string{"fields/set", "fields/hit"}
	if len(obs.events) != len(want) {
		t.Fatalf("events = %v, want %v", obs.events, want)
	}
	for i := range want {
		if obs.events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, obs.events[i], want[i])
		}
	}
}

func TestShared_Backend(t *testing.T) {
	t.Parallel()
	local, _ := newTestShared(t, Options{})
	if got := local.Backend(); got != "memory" {
		t.Errorf("local-only backend = %q, want memory", got)
	}
	if err := local.Ping(context.Background()); err != nil {
		t.Errorf("local-only ping: %v", err)
	}
	tiered, _ := newTestShared(t, Options{Remote: newFakeRemote()})
	if got := tiered.Backend(); got != "fake" {
		t.Errorf("tiered backend = %q, want fake", got)
	}
}
