package circuitbreaker

import (
	"testing"
	"time"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())

	b1 := r.GetOrCreate("jira:sprints")
	if b1 == nil {
		t.Fatal("GetOrCreate returned nil")
	}
	if b2 := r.GetOrCreate("jira:sprints"); b1 != b2 {
		t.Fatal("GetOrCreate returned different instance")
	}
	if b3 := r.GetOrCreate("jira:issues"); b1 == b3 {
		t.Fatal("different labels should get different breakers")
	}
	if b := r.Get("unknown"); b != nil {
		t.Fatal("Get should return nil for unknown label")
	}
}

func TestRegistry_EvictStale(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(Config{FailureThreshold: 1, OpenTimeout: 2 * time.Hour, Now: clk.now})
	r.GetOrCreate("old")
	r.GetOrCreate("tripped").RecordError(1)
	clk.advance(time.Hour)
	r.GetOrCreate("fresh")

	if n := r.EvictStale(clk.t.Add(-time.Minute)); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if r.Get("old") != nil || r.Get("fresh") == nil {
		t.Fatal("wrong breaker evicted")
	}
	if r.Get("tripped") == nil {
		t.Fatal("open breaker must survive eviction")
	}
}

func TestRegistry_Reset(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{FailureThreshold: 1, OpenTimeout: time.Hour})
	r.GetOrCreate("jira:issues").RecordError(1)
	if r.GetOrCreate("jira:issues").Allow() {
		t.Fatal("breaker should be open")
	}

	if !r.Reset("jira:issues") {
		t.Fatal("Reset reported no breaker")
	}
	if r.Reset("jira:issues") {
		t.Error("second Reset should report nothing to reset")
	}
	if !r.GetOrCreate("jira:issues").Allow() {
		t.Error("breaker should start closed after reset")
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(Config{FailureThreshold: 1, OpenTimeout: time.Minute, Now: clk.now})
	r.GetOrCreate("b").RecordError(1)
	r.GetOrCreate("a")
	clk.advance(15 * time.Second)

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Label != "a" || snap[1].Label != "b" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[1].State != "open" {
		t.Errorf("b state = %s, want open", snap[1].State)
	}
	if snap[1].RetryInSeconds != 45 {
		t.Errorf("b retryIn = %v, want 45", snap[1].RetryInSeconds)
	}
	if snap[0].RetryInSeconds != 0 {
		t.Errorf("closed breaker retryIn = %v, want 0", snap[0].RetryInSeconds)
	}
}
