package cache

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
)

// NamespaceMetrics is a snapshot of one namespace's counters.
type NamespaceMetrics struct {
	Namespace string  `json:"namespace"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hitRate"`
}

type counters struct {
	hits, misses, sets, deletes, errors atomic.Int64
}

// stats holds per-namespace counters, created lazily on first touch.
type stats struct {
	mu  sync.RWMutex
	byN map[string]*counters
}

func newStats() *stats {
	return &stats{byN: make(map[string]*counters)}
}

func (s *stats) get(ns string) *counters {
	s.mu.RLock()
	c, ok := s.byN[ns]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byN[ns]; ok {
		return c
	}
	c = &counters{}
	s.byN[ns] = c
	return c
}

func (s *stats) record(ns, event string) {
	c := s.get(ns)
	switch event {
	case EventHit:
		c.hits.Add(1)
	case EventMiss:
		c.misses.Add(1)
	case EventSet:
		c.sets.Add(1)
	case EventDelete:
		c.deletes.Add(1)
	case EventError:
		c.errors.Add(1)
	}
}

// snapshot returns counters for every namespace, sorted by name.
func (s *stats) snapshot() []NamespaceMetrics {
	s.mu.RLock()
	out := make([]NamespaceMetrics, 0, len(s.byN))
	for ns, c := range s.byN {
		m := NamespaceMetrics{
			Namespace: ns,
			Hits:      c.hits.Load(),
			Misses:    c.misses.Load(),
			Sets:      c.sets.Load(),
			Deletes:   c.deletes.Load(),
			Errors:    c.errors.Load(),
		}
		if total := m.Hits + m.Misses; total > 0 {
			m.HitRate = float64(m.Hits) / float64(total)
		}
		out = append(out, m)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b NamespaceMetrics) int {
		return cmp.Compare(a.Namespace, b.Namespace)
	})
	return out
}
