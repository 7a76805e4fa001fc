// Package ratelimit guards upstream tracker calls: per-label cooldowns after
// "too many requests" responses, bounded exponential-backoff retry, optional
// client-side pacing and a circuit breaker per label.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	velocity "github.com/eugener/velocity/internal"
	"github.com/eugener/velocity/internal/circuitbreaker"
)

// Call outcomes reported to the Observer.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeRateLimited = "rate_limited"
	OutcomeCooldown    = "cooldown"
	OutcomeCircuitOpen = "circuit_open"
)

// Policy holds the tunable retry and cooldown constants.
type Policy struct {
	MaxAttempts    int           // attempts when the caller passes 0
	BaseDelay      time.Duration // backoff unit: BaseDelay * 2^attempt
	MaxDelay       time.Duration // cap for both backoff and server hints
	CooldownFactor float64       // cooldown = max(factor*delay, floor)
	CooldownFloor  time.Duration
}

// DefaultPolicy returns the stock retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		CooldownFactor: 2,
		CooldownFloor:  10 * time.Second,
	}
}

// Observer receives one event per guarded call attempt.
type Observer interface {
	UpstreamCall(label, outcome string, elapsed time.Duration)
}

// Options configures a Guard. Nil fields disable the corresponding feature.
type Options struct {
	Policy   Policy
	Breakers *circuitbreaker.Registry
	Pacer    *Pacer
	Observer Observer
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

// CooldownError is returned without contacting the upstream while label is
// cooling down after a rate-limit response.
type CooldownError struct {
	Label     string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: cooldown in effect, retry in %s", e.Label, e.Remaining.Round(time.Millisecond))
}

func (e *CooldownError) Unwrap() error { return velocity.ErrCooldown }

// RetryAfterHint exposes the remaining wait like an upstream hint would.
func (e *CooldownError) RetryAfterHint() time.Duration { return e.Remaining }

// CircuitOpenError is returned while the breaker for Label is open.
type CircuitOpenError struct {
	Label   string
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, retry in %s", e.Label, e.RetryIn.Round(time.Millisecond))
}

func (e *CircuitOpenError) Unwrap() error { return velocity.ErrCircuitOpen }

// Guard wraps upstream calls. It is safe for concurrent use; one Guard is
// shared by every request in the process.
type Guard struct {
	policy   Policy
	breakers *circuitbreaker.Registry
	pacer    *Pacer
	obs      Observer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewGuard creates a Guard. Zero policy fields take their defaults.
func NewGuard(opts Options) *Guard {
	def := DefaultPolicy()
	p := opts.Policy
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.CooldownFactor <= 0 {
		p.CooldownFactor = def.CooldownFactor
	}
	if p.CooldownFloor <= 0 {
		p.CooldownFloor = def.CooldownFloor
	}
	g := &Guard{
		policy:    p,
		breakers:  opts.Breakers,
		pacer:     opts.Pacer,
		obs:       opts.Observer,
		now:       opts.Now,
		sleep:     opts.Sleep,
		cooldowns: make(map[string]time.Time),
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.sleep == nil {
		g.sleep = sleepContext
	}
	return g
}

// Do runs op under label, retrying rate-limited failures up to maxAttempts
// (0 means the policy default). A label in cooldown fails fast with
// *CooldownError; any error that is not a rate limit is returned at once.
func (g *Guard) Do(ctx context.Context, label string, maxAttempts int, op func(context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = g.policy.MaxAttempts
	}
	if remaining := g.CooldownRemaining(label); remaining > 0 {
		g.observe(label, OutcomeCooldown, 0)
		return &CooldownError{Label: label, Remaining: remaining}
	}

	var breaker *circuitbreaker.Breaker
	if g.breakers != nil {
		breaker = g.breakers.GetOrCreate(label)
	}

	for attempt := 0; ; attempt++ {
		if breaker != nil && !breaker.Allow() {
			g.observe(label, OutcomeCircuitOpen, 0)
			return &CircuitOpenError{Label: label, RetryIn: breaker.RetryIn()}
		}
		if g.pacer != nil {
			if wait := g.pacer.Reserve(label); wait > 0 {
				if err := g.sleep(ctx, wait); err != nil {
					return err
				}
			}
		}

		start := g.now()
		err := op(ctx)
		elapsed := g.now().Sub(start)
		if breaker != nil {
			if err == nil {
				breaker.RecordSuccess()
			} else {
				breaker.RecordError(circuitbreaker.ClassifyError(err))
			}
		}
		if err == nil {
			g.observe(label, OutcomeOK, elapsed)
			return nil
		}

		hint, limited := rateLimitHint(err)
		if !limited {
			g.observe(label, OutcomeError, elapsed)
			return err
		}
		g.observe(label, OutcomeRateLimited, elapsed)

		delay := g.backoff(attempt, hint)
		g.startCooldown(label, delay)
		if attempt+1 >= maxAttempts {
			if errors.Is(err, velocity.ErrRateLimited) {
				return fmt.Errorf("%s: gave up after %d attempts: %w", label, maxAttempts, err)
			}
			return fmt.Errorf("%s: gave up after %d attempts: %w: %w", label, maxAttempts, velocity.ErrRateLimited, err)
		}

		slog.LogAttrs(ctx, slog.LevelWarn, "upstream rate limited",
			slog.String("label", label),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Retry is Do for operations that produce a value.
func Retry[T any](ctx context.Context, g *Guard, label string, maxAttempts int, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, label, maxAttempts, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// CooldownRemaining returns how long label stays in cooldown (0 if none).
func (g *Guard) CooldownRemaining(label string) time.Duration {
	now := g.now()
	g.mu.Lock()
	until, ok := g.cooldowns[label]
	g.mu.Unlock()
	if !ok || !until.After(now) {
		return 0
	}
	return until.Sub(now)
}

// Cooldowns returns the active cooldown deadlines keyed by label.
func (g *Guard) Cooldowns() map[string]time.Time {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]time.Time, len(g.cooldowns))
	maps.Copy(out, g.cooldowns)
	maps.DeleteFunc(out, func(_ string, until time.Time) bool { return !until.After(now) })
	return out
}

// EvictExpired drops elapsed cooldowns and idle pacer buckets.
func (g *Guard) EvictExpired() int {
	now := g.now()
	g.mu.Lock()
	n := len(g.cooldowns)
	maps.DeleteFunc(g.cooldowns, func(_ string, until time.Time) bool { return !until.After(now) })
	n -= len(g.cooldowns)
	g.mu.Unlock()
	if g.pacer != nil {
		g.pacer.EvictIdle()
	}
	return n
}

func (g *Guard) startCooldown(label string, delay time.Duration) {
	cool := max(time.Duration(g.policy.CooldownFactor*float64(delay)), g.policy.CooldownFloor)
	until := g.now().Add(cool)
	g.mu.Lock()
	if until.After(g.cooldowns[label]) {
		g.cooldowns[label] = until
	}
	g.mu.Unlock()
}

// backoff returns the server hint if present, else BaseDelay*2^attempt,
// both capped at MaxDelay.
func (g *Guard) backoff(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return min(hint, g.policy.MaxDelay)
	}
	d := g.policy.BaseDelay
	for range attempt {
		d *= 2
		if d >= g.policy.MaxDelay {
			return g.policy.MaxDelay
		}
	}
	return min(d, g.policy.MaxDelay)
}

func (g *Guard) observe(label, outcome string, elapsed time.Duration) {
	if g.obs != nil {
		g.obs.UpstreamCall(label, outcome, elapsed)
	}
}

type statusCoder interface{ HTTPStatus() int }

type retryHinter interface{ RetryAfterHint() time.Duration }

// rateLimitHint reports whether err is a "too many requests" failure and
// any server-provided wait.
func rateLimitHint(err error) (time.Duration, bool) {
	var ce *CooldownError
	if errors.As(err, &ce) {
		// A nested guarded call is cooling down; not a fresh upstream signal.
		return 0, false
	}
	limited := errors.Is(err, velocity.ErrRateLimited)
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() == 429 {
		limited = true
	}
	if !limited {
		return 0, false
	}
	var rh retryHinter
	if errors.As(err, &rh) {
		return rh.RetryAfterHint(), true
	}
	return 0, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
