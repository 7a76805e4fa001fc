package server

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/eugener/velocity/internal/app"
	"github.com/eugener/velocity/internal/ratelimit"
	"github.com/eugener/velocity/internal/testutil"
)

func TestMain(m *testing.M) {
	// TextHandler(io.Discard) still formats attrs so allocation counts stay
	// honest while output is suppressed.
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

// newCachedPreviewHandler wires the real preview service over a fake
// tracker and primes the cache so every iteration is a cache hit.
func newCachedPreviewHandler(b *testing.B) http.Handler {
	b.Helper()
	end := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	c := newTestCache(b)
	svc := app.NewPreviewService(app.Deps{
		Tracker: &testutil.FakeTracker{Data: testutil.NewDataset([]string{"ABC"}, 6, end)},
		Cache:   c,
		Guard:   ratelimit.NewGuard(ratelimit.Options{}),
		Tasks:   &testutil.FakeQueue{},
	}, app.Config{})
	h := New(Deps{Preview: svc, Cache: c})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/preview", strings.NewReader(previewJSON)))
	if rec.Code != http.StatusOK {
		b.Fatalf("prime: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if svc.InFlight() != 0 {
		b.Fatal("in-flight registry not drained after prime")
	}
	return h
}

func BenchmarkPreviewCached(b *testing.B) {
	h := newCachedPreviewHandler(b)

	b.ResetTimer()
	for b.Loop() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/preview", strings.NewReader(previewJSON))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			b.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
		}
	}
}

func BenchmarkPreviewCachedParallel(b *testing.B) {
	h := newCachedPreviewHandler(b)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/preview", strings.NewReader(previewJSON))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				b.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
			}
		}
	})
}

func BenchmarkHealthz(b *testing.B) {
	h, _ := newTestHandler(b)

	b.ResetTimer()
	for b.Loop() {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			b.Fatalf("status = %d, want 200", rec.Code)
		}
	}
}

// discardResponseWriter captures the status code and discards the body,
// reusing its header map between iterations.
type discardResponseWriter struct {
	hdr  http.Header
	code int
}

func (w *discardResponseWriter) Header() http.Header        { return w.hdr }
func (w *discardResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *discardResponseWriter) WriteHeader(code int)        { w.code = code }

func (w *discardResponseWriter) reset() {
	clear(w.hdr)
	w.code = http.StatusOK
}

func BenchmarkPreviewCachedHandler(b *testing.B) {
	h := newCachedPreviewHandler(b)
	body := []byte(previewJSON)
	hdr := http.Header{"Content-Type": {"application/json"}}
	w := &discardResponseWriter{hdr: make(http.Header, 8), code: http.StatusOK}

	b.ResetTimer()
	for b.Loop() {
		req, _ := http.NewRequest(http.MethodPost, "/api/v1/preview", bytes.NewReader(body))
		req.Header = hdr
		w.reset()
		h.ServeHTTP(w, req)
		if w.code != http.StatusOK {
			b.Fatalf("status = %d, want 200", w.code)
		}
	}
}
