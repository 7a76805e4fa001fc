package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eugener/velocity/internal/cache"
	"github.com/eugener/velocity/internal/circuitbreaker"
	"github.com/eugener/velocity/internal/ratelimit"
	"github.com/eugener/velocity/internal/worker"
)

const testAdminToken = "s3cret"

func newAdminHandler(t *testing.T) (http.Handler, *cache.Shared) {
	t.Helper()
	c := newTestCache(t)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{})
	h := New(Deps{
		Preview:    &fakePreview{},
		Cache:      c,
		Breakers:   breakers,
		Guard:      ratelimit.NewGuard(ratelimit.Options{Breakers: breakers}),
		Warmer:     worker.NewWarmer(1, 4),
		AdminToken: testAdminToken,
	})
	return h, c
}

func adminRequest(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func seedCache(c *cache.Shared) {
	ctx := context.Background()
	c.Set(ctx, "", "preview:a", []byte(`{"x":1}`), time.Minute)
	c.Set(ctx, "", "preview:b", []byte(`{"x":2}`), time.Minute)
	c.Set(ctx, "", "preview:c", []byte(`{"x":3}`), time.Minute)
	c.Set(ctx, "", "sprint:1:10", []byte(`[]`), time.Minute)
}

func TestAdminRequiresToken(t *testing.T) {
	t.Parallel()
	h, _ := newAdminHandler(t)

	for _, auth := range []string{"", "Bearer wrong", testAdminToken} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("auth %q: status = %d, want 403", auth, rec.Code)
		}
	}
}

func TestAdminOpenWithoutToken(t *testing.T) {
	t.Parallel()
	h := New(Deps{Preview: &fakePreview{}, Cache: newTestCache(t)})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCacheStats(t *testing.T) {
	t.Parallel()
	h, c := newAdminHandler(t)
	seedCache(c)
	c.Get(context.Background(), "", "preview:a")
	c.Get(context.Background(), "", "preview:missing")

	rec := adminRequest(h, http.MethodGet, "/api/v1/cache/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Backend    string                   `json:"backend"`
		RemoteUp   bool                     `json:"remoteUp"`
		Namespaces []cache.NamespaceMetrics `json:"namespaces"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Backend != "memory" || resp.RemoteUp {
		t.Errorf("backend = %q, remoteUp = %v", resp.Backend, resp.RemoteUp)
	}
	var preview *cache.NamespaceMetrics
	for i := range resp.Namespaces {
		if resp.Namespaces[i].Namespace == "preview" {
			preview = &resp.Namespaces[i]
		}
	}
	if preview == nil {
		t.Fatal("preview namespace missing")
	}
	if preview.Hits != 1 || preview.Misses != 1 || preview.Sets != 3 {
		t.Errorf("preview metrics = %+v", *preview)
	}
}

func TestCacheEntries(t *testing.T) {
	t.Parallel()
	h, c := newAdminHandler(t)
	seedCache(c)

	rec := adminRequest(h, http.MethodGet, "/api/v1/cache/entries?namespace=preview&offset=1&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Data       []entryView `json:"data"`
		Pagination pagination  `json:"pagination"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Pagination.Total != 3 {
		t.Errorf("total = %d, want 3", resp.Pagination.Total)
	}
	if len(resp.Data) != 1 || resp.Data[0].Key != "preview:b" {
		t.Fatalf("data = %+v, want preview:b", resp.Data)
	}
	if resp.Data[0].Size != len(`{"x":2}`) || resp.Data[0].Backend != "memory" {
		t.Errorf("entry = %+v", resp.Data[0])
	}
}

func TestCacheEntriesRequiresNamespace(t *testing.T) {
	t.Parallel()
	h, _ := newAdminHandler(t)

	rec := adminRequest(h, http.MethodGet, "/api/v1/cache/entries", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()
	h, c := newAdminHandler(t)
	seedCache(c)

	rec := adminRequest(h, http.MethodPost, "/api/v1/cache/invalidate", `{"prefix":"preview:"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp invalidateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Removed != 3 {
		t.Errorf("removed = %d, want 3", resp.Removed)
	}
	if _, ok := c.Get(context.Background(), "", "sprint:1:10"); !ok {
		t.Error("entries outside the prefix must survive")
	}
}

func TestCacheInvalidateRejectsEmptyPrefix(t *testing.T) {
	t.Parallel()
	h, c := newAdminHandler(t)
	seedCache(c)

	for _, body := range []string{`{"prefix":""}`, `{}`, `not json`} {
		rec := adminRequest(h, http.MethodPost, "/api/v1/cache/invalidate", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
	if n := len(c.Entries(context.Background(), "")); n != 4 {
		t.Errorf("entries = %d, want 4 untouched", n)
	}
}

func TestCacheClear(t *testing.T) {
	t.Parallel()
	h, c := newAdminHandler(t)
	seedCache(c)

	rec := adminRequest(h, http.MethodDelete, "/api/v1/cache", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if n := len(c.Entries(context.Background(), "")); n != 0 {
		t.Errorf("entries = %d after clear", n)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	h, _ := newAdminHandler(t)

	rec := adminRequest(h, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.InFlight != 2 {
		t.Errorf("inFlight = %d, want 2", resp.InFlight)
	}
	if resp.Warmer == nil {
		t.Error("warmer stats missing")
	}
	if resp.Breakers == nil || resp.Cooldowns == nil {
		t.Error("breakers and cooldowns must encode as empty collections")
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, OpenTimeout: time.Hour})
	breakers.GetOrCreate("jira:issues").RecordError(1)
	h := New(Deps{Preview: &fakePreview{}, Breakers: breakers, AdminToken: testAdminToken})

	rec := adminRequest(h, http.MethodPost, "/api/v1/breakers/jira:issues/reset", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if !breakers.GetOrCreate("jira:issues").Allow() {
		t.Error("breaker should be closed after reset")
	}

	rec = adminRequest(h, http.MethodPost, "/api/v1/breakers/unknown/reset", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown label: status = %d, want 404", rec.Code)
	}
}

func TestParsePagination(t *testing.T) {
	t.Parallel()
	tests := []struct {
		query  string
		offset int
		limit  int
	}{
		{"", 0, 50},
		{"offset=10&limit=20", 10, 20},
		{"offset=-5&limit=500", 0, 50},
		{"offset=x&limit=y", 0, 50},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		offset, limit := parsePagination(r)
		if offset != tt.offset || limit != tt.limit {
			t.Errorf("%q: got (%d, %d), want (%d, %d)", tt.query, offset, limit, tt.offset, tt.limit)
		}
	}
}
