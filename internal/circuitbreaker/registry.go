package circuitbreaker

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"
)

// Registry holds one Breaker per upstream label, created on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry returns an empty registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for label, or nil if none exists.
func (r *Registry) Get(label string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[label]
}

// GetOrCreate returns the breaker for label, creating it if needed.
func (r *Registry) GetOrCreate(label string) *Breaker {
	if b := r.Get(label); b != nil {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[label]
	if !ok {
		b = NewBreaker(r.config)
		r.breakers[label] = b
	}
	return b
}

// Reset forgets the breaker for label so the next call starts closed.
// It reports whether a breaker existed.
func (r *Registry) Reset(label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.breakers[label]
	delete(r.breakers, label)
	return ok
}

// EvictStale removes breakers idle since cutoff. Open breakers are kept so
// an outage is not forgotten while nobody calls the label.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.breakers)
	maps.DeleteFunc(r.breakers, func(_ string, b *Breaker) bool {
		return b.LastUsed().Before(cutoff) && b.State() != StateOpen
	})
	return before - len(r.breakers)
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Label          string  `json:"label"`
	State          string  `json:"state"`
	Failures       float64 `json:"failures"`
	RetryInSeconds float64 `json:"retryInSeconds,omitempty"`
}

// Snapshot returns the state of every breaker, sorted by label.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.breakers))
	for label, b := range r.breakers {
		out = append(out, Status{
			Label:          label,
			State:          b.State().String(),
			Failures:       b.Failures(),
			RetryInSeconds: b.RetryIn().Seconds(),
		})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Status) int { return cmp.Compare(a.Label, b.Label) })
	return out
}
