package ratelimit

import (
	"sync"
	"time"
)

// bucket is a token bucket with lazy refill (no background goroutine).
// Tokens may go negative: each call reserves a slot and the deficit is
// the time the caller must wait for it.
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(perMinute int, now time.Time) *bucket {
	return &bucket{
		tokens:   float64(perMinute),
		max:      float64(perMinute),
		rate:     float64(perMinute) / 60.0,
		lastFill: now,
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// reserve takes one token and returns how long until it is actually available.
func (b *bucket) reserve(now time.Time) time.Duration {
	b.refill(now)
	b.tokens--
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens / b.rate * float64(time.Second))
}

// Pacer spaces upstream calls per label so that a burst of sprint fetches
// does not trip the tracker's own limiter in the first place.
type Pacer struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perMinute int
	now       func() time.Time
}

// NewPacer returns a pacer allowing perMinute calls per label, or nil when
// perMinute is not positive (unlimited).
func NewPacer(perMinute int) *Pacer {
	if perMinute <= 0 {
		return nil
	}
	return &Pacer{buckets: make(map[string]*bucket), perMinute: perMinute, now: time.Now}
}

// Reserve books one call for label and returns the wait before it may start.
func (p *Pacer) Reserve(label string) time.Duration {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[label]
	if !ok {
		b = newBucket(p.perMinute, now)
		p.buckets[label] = b
	}
	return b.reserve(now)
}

// EvictIdle drops buckets that have refilled completely, returning the count.
func (p *Pacer) EvictIdle() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, b := range p.buckets {
		b.refill(now)
		if b.tokens >= b.max {
			delete(p.buckets, k)
			n++
		}
	}
	return n
}
