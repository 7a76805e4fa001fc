package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/eugener/velocity/internal/cache"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCacheEntryRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	if e, err := s.Get(ctx, "preview:none"); err != nil || e != nil {
		t.Fatalf("missing = %v, %v", e, err)
	}

	in := &cache.Entry{
		Value:     []byte(`{"meta":{}}`),
		CachedAt:  now,
		ExpiresAt: now.Add(time.Minute),
		Namespace: "preview",
		Backend:   "sqlite",
		OriginID:  "node-1",
	}
	if err := s.Set(ctx, "preview:k", in); err != nil {
		t.Fatal("set:", err)
	}

	got, err := s.Get(ctx, "preview:k")
	if err != nil {
		t.Fatal("get:", err)
	}
	if string(got.Value) != string(in.Value) {
		t.Errorf("value = %s, want %s", got.Value, in.Value)
	}
	if !got.CachedAt.Equal(in.CachedAt) || !got.ExpiresAt.Equal(in.ExpiresAt) {
		t.Errorf("times = %v/%v, want %v/%v", got.CachedAt, got.ExpiresAt, in.CachedAt, in.ExpiresAt)
	}
	if got.OriginID != "node-1" || got.Namespace != "preview" {
		t.Errorf("provenance = %+v", got)
	}

	// Set replaces.
	in2 := *in
	in2.Value = []byte(`{"v":2}`)
	if err := s.Set(ctx, "preview:k", &in2); err != nil {
		t.Fatal("upsert:", err)
	}
	got, _ = s.Get(ctx, "preview:k")
	if string(got.Value) != `{"v":2}` {
		t.Errorf("upsert value = %s", got.Value)
	}

	if err := s.Delete(ctx, "preview:k"); err != nil {
		t.Fatal("delete:", err)
	}
	if e, _ := s.Get(ctx, "preview:k"); e != nil {
		t.Error("entry should be deleted")
	}
}

func TestScanDeletePrefixPurge(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	put := func(key string, exp time.Time) {
		t.Helper()
		e := &cache.Entry{Value: []byte("x"), CachedAt: now, ExpiresAt: exp, Namespace: cache.NamespaceOf(key)}
		if err := s.Set(ctx, key, e); err != nil {
			t.Fatal(err)
		}
	}
	put("preview:a", now.Add(time.Minute))
	put("preview:b", now.Add(-time.Minute))
	put("sprint:1", now.Add(time.Minute))
	put("sprint_x:1", now.Add(time.Minute))

	all, err := s.Scan(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("scan all = %d, want 4", len(all))
	}
	previews, _ := s.Scan(ctx, "preview")
	if len(previews) != 2 {
		t.Errorf("scan preview = %d, want 2", len(previews))
	}

	// "_" must not act as a LIKE wildcard.
	removed, err := s.DeletePrefix(ctx, "sprint_")
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "sprint_x:1" {
		t.Errorf("removed = %v, want [sprint_x:1]", removed)
	}

	n, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	all, _ = s.Scan(ctx, "")
	if len(all) != 0 {
		t.Errorf("after clear = %d entries", len(all))
	}
}

func TestSharedCacheOverSQLite(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	local := func() *cache.Memory {
		m, err := cache.NewMemory(100, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		return m
	}
	writer := cache.New(local(), cache.Options{Remote: s, OriginID: "w"})
	reader := cache.New(local(), cache.Options{Remote: s, OriginID: "r", RemoteScan: true})

	writer.Set(ctx, "", "preview:p1", []byte("payload"), time.Minute)
	e, ok := reader.Get(ctx, "", "preview:p1")
	if !ok {
		t.Fatal("reader should see writer's entry through sqlite")
	}
	if e.Backend != "sqlite" || e.OriginID != "w" {
		t.Errorf("provenance = %s/%s", e.Backend, e.OriginID)
	}
	if got := reader.InvalidatePrefix(ctx, "preview:"); got != 1 {
		t.Errorf("invalidated = %d, want 1", got)
	}
	if e, _ := s.Get(ctx, "preview:p1"); e != nil {
		t.Error("sqlite tier should be cleared")
	}
}

func TestMemoryStoresArePrivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	open := func() *Store {
		s, err := New(MemoryDSN)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	a, b := open(), open()

	now := time.Now()
	e := &cache.Entry{Value: []byte("v"), CachedAt: now, ExpiresAt: now.Add(time.Minute), Namespace: "preview"}
	if err := a.Set(ctx, "preview:k", e); err != nil {
		t.Fatal(err)
	}
	if got, err := a.Get(ctx, "preview:k"); err != nil || got == nil {
		t.Fatalf("read back through the read pool = %v, %v", got, err)
	}
	if got, err := b.Get(ctx, "preview:k"); err != nil || got != nil {
		t.Errorf("second store saw %v, %v; want empty", got, err)
	}
	if err := a.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}
