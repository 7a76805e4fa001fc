package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/velocity/internal/cache"
)

const monitorInterval = 5 * time.Minute

// CacheSource is the view of the shared cache consumed by CacheMonitor.
type CacheSource interface {
	Stats() []cache.NamespaceMetrics
	Ping(ctx context.Context) error
}

// CacheSummary aggregates namespace counters.
type CacheSummary struct {
	Namespaces int
	Hits       int64
	Misses     int64
	Errors     int64
	HitRate    float64
	RemoteUp   bool
}

// CacheMonitor periodically probes the remote cache tier and logs an
// aggregate of the per-namespace counters.
type CacheMonitor struct {
	source   CacheSource
	interval time.Duration
	onProbe  func(up bool)
}

// NewCacheMonitor creates a monitor. onProbe, when non-nil, receives every
// probe result.
func NewCacheMonitor(source CacheSource, interval time.Duration, onProbe func(up bool)) *CacheMonitor {
	if interval <= 0 {
		interval = monitorInterval
	}
	return &CacheMonitor{source: source, interval: interval, onProbe: onProbe}
}

// Name returns the worker identifier.
func (m *CacheMonitor) Name() string { return "cache_monitor" }

// Run probes once at start and then on every tick until ctx is cancelled.
func (m *CacheMonitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := m.Check(ctx)
			slog.LogAttrs(ctx, slog.LevelInfo, "cache summary",
				slog.Int("namespaces", s.Namespaces),
				slog.Int64("hits", s.Hits),
				slog.Int64("misses", s.Misses),
				slog.Int64("errors", s.Errors),
				slog.Float64("hit_rate", s.HitRate),
				slog.Bool("remote_up", s.RemoteUp),
			)
		}
	}
}

// Check probes the remote tier and aggregates the counters.
func (m *CacheMonitor) Check(ctx context.Context) CacheSummary {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := m.source.Ping(pctx)
	cancel()
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "remote cache probe failed",
			slog.String("error", err.Error()),
		)
	}
	if m.onProbe != nil {
		m.onProbe(err == nil)
	}

	s := CacheSummary{RemoteUp: err == nil}
	for _, ns := range m.source.Stats() {
		s.Namespaces++
		s.Hits += ns.Hits
		s.Misses += ns.Misses
		s.Errors += ns.Errors
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
