package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/eugener/velocity/internal/cache"
)

type fakeCacheSource struct {
	stats   []cache.NamespaceMetrics
	pingErr error
}

func (f *fakeCacheSource) Stats() []cache.NamespaceMetrics { return f.stats }
func (f *fakeCacheSource) Ping(context.Context) error      { return f.pingErr }

func TestCacheMonitor_Check(t *testing.T) {
	t.Parallel()
	src := &fakeCacheSource{stats: []cache.NamespaceMetrics{
		{Namespace: "preview", Hits: 3, Misses: 1},
		{Namespace: "sprint", Hits: 1, Misses: 3, Errors: 2},
	}}
	var probes []bool
	m := NewCacheMonitor(src, 0, func(up bool) { probes = append(probes, up) })

	s := m.Check(context.Background())
	if s.Namespaces != 2 || s.Hits != 4 || s.Misses != 4 || s.Errors != 2 {
		t.Errorf("summary = %+v", s)
	}
	if s.HitRate != 0.5 || !s.RemoteUp {
		t.Errorf("hitRate = %v remoteUp = %v", s.HitRate, s.RemoteUp)
	}

	src.pingErr = errors.New("connection refused")
	if m.Check(context.Background()).RemoteUp {
		t.Error("remote reported up after failed ping")
	}
	if len(probes) != 2 || !probes[0] || probes[1] {
		t.Errorf("probes = %v, want [true false]", probes)
	}
}

func TestCacheMonitor_EmptyStats(t *testing.T) {
	t.Parallel()
	m := NewCacheMonitor(&fakeCacheSource{}, 0, nil)
	if s := m.Check(context.Background()); s.HitRate != 0 || s.Namespaces != 0 {
		t.Errorf("summary = %+v, want zero", s)
	}
}
