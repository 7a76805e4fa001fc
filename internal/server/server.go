// Package server implements the HTTP transport layer for the velocity service.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	velocity "github.com/eugener/velocity/internal"
	"github.com/eugener/velocity/internal/cache"
	"github.com/eugener/velocity/internal/circuitbreaker"
	"github.com/eugener/velocity/internal/ratelimit"
	"github.com/eugener/velocity/internal/telemetry"
	"github.com/eugener/velocity/internal/worker"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// PreviewGenerator produces sprint report previews.
type PreviewGenerator interface {
	Generate(ctx context.Context, req velocity.PreviewRequest) (*velocity.PreviewResult, error)
	InFlight() int
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Preview    PreviewGenerator
	Cache      *cache.Shared            // nil = no cache admin routes
	Breakers   *circuitbreaker.Registry // nil = omitted from status
	Guard      *ratelimit.Guard         // nil = omitted from status
	Warmer     *worker.Warmer           // nil = omitted from status
	ReadyCheck ReadyChecker             // nil = always ready (for tests)
	Metrics    *telemetry.Metrics       // nil = no request metrics
	Gatherer   prometheus.Gatherer      // nil = no /metrics endpoint
	AdminToken string                   // empty = admin routes unauthenticated
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler(deps.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/preview", s.handlePreview)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticateAdmin)
			r.Get("/status", s.handleStatus)
			if deps.Breakers != nil {
				r.Post("/breakers/{label}/reset", s.handleBreakerReset)
			}
			if deps.Cache != nil {
				r.Get("/cache/stats", s.handleCacheStats)
				r.Get("/cache/entries", s.handleCacheEntries)
				r.Post("/cache/invalidate", s.handleCacheInvalidate)
				r.Delete("/cache", s.handleCacheClear)
			}
		})
	})

	return r
}

type server struct {
	deps Deps
}
