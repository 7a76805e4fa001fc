package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	velocity "github.com/eugener/velocity/internal"
	"github.com/eugener/velocity/internal/cache"
)

func newSubsetCache(t *testing.T) (*cache.Shared, *testClock) {
	t.Helper()
	mem, err := cache.NewMemory(1000, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	clk := &testClock{t: testEnd}
	return cache.New(mem, cache.Options{Now: clk.Now}), clk
}

func putPreview(t *testing.T, c *cache.Shared, scope velocity.Scope, partial bool) string {
	t.Helper()
	key := CacheKey(scope, nil)
	raw, err := json.Marshal(velocity.PreviewResult{
		Meta: velocity.Meta{Scope: scope, Partial: partial, CacheKeyUsed: key},
		Rows: []velocity.Row{},
	})
	if err != nil {
		t.Fatal(err)
	}
	c.Set(context.Background(), PreviewNamespace, key, raw, time.Hour)
	return key
}

func scope(start, end string, projects ...string) velocity.Scope {
	return velocity.Scope{Projects: projects, WindowStart: day(start), WindowEnd: day(end)}
}

func TestFindBestSubset_Scenario(t *testing.T) {
	t.Parallel()
	c, _ := newSubsetCache(t)
	ctx := context.Background()
	want := putPreview(t, c, scope("2026-01-01", "2026-01-30", "A"), false)
	putPreview(t, c, scope("2026-01-01", "2026-01-30", "A", "C"), false) // extra project
	putPreview(t, c, scope("2025-12-01", "2026-01-30", "A"), false)      // window starts early
	putPreview(t, c, scope("2026-02-01", "2026-04-30", "B"), false)      // window ends late
	putPreview(t, c, scope("2026-02-01", "2026-02-28", "A", "B"), true)  // partial

	key, e, ok := FindBestSubset(ctx, c, scope("2026-01-01", "2026-03-31", "A", "B"), time.Hour, testEnd)
	if !ok {
		t.Fatal("no subset found")
	}
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
	if e == nil || len(e.Value) == 0 {
		t.Error("entry missing value")
	}
}

func TestFindBestSubset_PrefersNewest(t *testing.T) {
	t.Parallel()
	c, clk := newSubsetCache(t)
	putPreview(t, c, scope("2026-01-01", "2026-01-30", "A"), false)
	clk.Advance(time.Minute)
	newer := putPreview(t, c, scope("2026-02-01", "2026-02-28", "B"), false)

	key, _, ok := FindBestSubset(context.Background(), c, scope("2026-01-01", "2026-03-31", "A", "B"), time.Hour, clk.Now())
	if !ok || key != newer {
		t.Errorf("key = %q (ok=%v), want newest %q", key, ok, newer)
	}
}

func TestFindBestSubset_TieBrokenByKey(t *testing.T) {
	t.Parallel()
	c, _ := newSubsetCache(t)
	k1 := putPreview(t, c, scope("2026-01-01", "2026-01-30", "A"), false)
	k2 := putPreview(t, c, scope("2026-02-01", "2026-02-28", "B"), false)
	want := min(k1, k2)

	for range 5 {
		key, _, ok := FindBestSubset(context.Background(), c, scope("2026-01-01", "2026-03-31", "A", "B"), time.Hour, testEnd)
		if !ok || key != want {
			t.Fatalf("key = %q, want %q", key, want)
		}
	}
}

func TestFindBestSubset_MaxAge(t *testing.T) {
	t.Parallel()
	c, clk := newSubsetCache(t)
	putPreview(t, c, scope("2026-01-01", "2026-01-30", "A"), false)
	clk.Advance(31 * time.Minute)

	if _, _, ok := FindBestSubset(context.Background(), c, scope("2026-01-01", "2026-03-31", "A"), 30*time.Minute, clk.Now()); ok {
		t.Error("stale entry returned")
	}
}

func TestFindBestSubset_IgnoresOtherNamespaces(t *testing.T) {
	t.Parallel()
	c, _ := newSubsetCache(t)
	c.Set(context.Background(), SprintNamespace, "sprint:1:1:x", []byte(`[]`), time.Hour)

	if _, _, ok := FindBestSubset(context.Background(), c, scope("2026-01-01", "2026-03-31", "A"), time.Hour, testEnd); ok {
		t.Error("matched a non-preview entry")
	}
}
