// Package circuitbreaker implements a per-label circuit breaker driven by
// weighted consecutive upstream failures. An open breaker short-circuits
// calls to a struggling tracker endpoint instead of queueing more retries.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold float64          // weighted consecutive failures to trip
	OpenTimeout      time.Duration    // time in OPEN before transitioning to HALF_OPEN
	Now              func() time.Time // clock override for tests
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker is a per-label circuit breaker state machine.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    float64 // weighted failures since the last success
	openedAt    time.Time
	lastUsed    time.Time
	probing     bool
	threshold   float64
	openTimeout time.Duration
	now         func() time.Time
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Breaker{
		state:       StateClosed,
		threshold:   cfg.FailureThreshold,
		openTimeout: cfg.OpenTimeout,
		now:         now,
		lastUsed:    now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Failures returns the weighted failure count since the last success.
func (b *Breaker) Failures() float64 {
	b.mu.Lock()
	f := b.failures
	b.mu.Unlock()
	return f
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.openTimeout {
			// This request becomes the probe.
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RetryIn returns how long until an open breaker admits a probe.
func (b *Breaker) RetryIn() time.Duration {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	return max(0, b.openTimeout-now.Sub(b.openedAt))
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
	}
}

// RecordError records a failed request with the given weight. Zero-weight
// errors (client faults) leave the breaker untouched.
func (b *Breaker) RecordError(weight float64) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		if weight <= 0 {
			return
		}
		b.failures += weight
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		if weight <= 0 {
			// Probe reached the upstream; a client fault says nothing about health.
			b.state = StateClosed
			b.probing = false
			b.failures = 0
			return
		}
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
	}
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
