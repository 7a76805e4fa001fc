package app

import (
	"context"
	"testing"
	"time"

	"github.com/eugener/velocity/internal/cache"
	"github.com/eugener/velocity/internal/testutil"
)

// newRemoteHarness is newHarness with its shared cache layered over remote.
func newRemoteHarness(t *testing.T, tr *testutil.FakeTracker, remote cache.Remote) *harness {
	t.Helper()
	return newHarness(t, tr, Config{}, func(d *Deps) {
		mem, err := cache.NewMemory(10_000, 24*time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		d.Cache = cache.New(mem, cache.Options{Remote: remote, Now: d.Now})
	})
}

func TestGenerate_SharedRemoteServesOtherInstance(t *testing.T) {
	t.Parallel()
	ds := testutil.NewDataset([]string{"A"}, 6, testEnd)
	remote := testutil.NewFakeRemote()
	ctx := context.Background()
	req := previewReq([]string{"A"}, "2026-02-01", "2026-03-31")

	trA := &testutil.FakeTracker{Data: ds}
	a := newRemoteHarness(t, trA, remote)
	first, err := a.svc.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Meta.FromCache {
		t.Fatal("first instance must compute")
	}
	if remote.Len() == 0 {
		t.Fatal("results were not written through to the remote tier")
	}

	trB := &testutil.FakeTracker{Data: ds}
	b := newRemoteHarness(t, trB, remote)
	second, err := b.svc.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Meta.FromCache {
		t.Error("second instance should be served from the shared remote tier")
	}
	if got := trB.UpstreamCalls(); got != 0 {
		t.Errorf("second instance upstream calls = %d, want 0", got)
	}
	if len(second.Rows) != len(first.Rows) {
		t.Errorf("rows = %d, want %d", len(second.Rows), len(first.Rows))
	}
}

func TestGenerate_RemoteOutageDegradesToLocal(t *testing.T) {
	t.Parallel()
	tr := &testutil.FakeTracker{Data: testutil.NewDataset([]string{"A"}, 6, testEnd)}
	remote := testutil.NewFakeRemote()
	remote.SetDown(true)
	h := newRemoteHarness(t, tr, remote)
	ctx := context.Background()
	req := previewReq([]string{"A"}, "2026-02-01", "2026-03-31")

	first, err := h.svc.Generate(ctx, req)
	if err != nil {
		t.Fatalf("remote outage must not fail the preview: %v", err)
	}
	if first.Meta.Partial || len(first.Rows) == 0 {
		t.Fatalf("meta = %+v, rows = %d", first.Meta, len(first.Rows))
	}

	second, err := h.svc.Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Meta.FromCache {
		t.Error("local tier should still serve the result")
	}
	if remote.Len() != 0 {
		t.Errorf("remote entries = %d while down", remote.Len())
	}
}
