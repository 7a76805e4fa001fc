package cache

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	localBackend             = "memory"
	defaultReconnectInterval = 5 * time.Second
)

// Options configures a Shared cache.
type Options struct {
	// Remote is the optional second tier. Nil means local-only.
	Remote Remote
	// RemoteScan enables merging remote entries into Entries. Some backends
	// cannot enumerate cheaply; when disabled Entries returns local entries only.
	RemoteScan bool
	// OriginID identifies this process in written entries.
	OriginID string
	// ReconnectInterval is the minimum gap between remote connection attempts.
	ReconnectInterval time.Duration
	// Observer receives every counted event. Nil disables export.
	Observer Observer
	// Now overrides the clock (tests). Defaults to time.Now.
	Now func() time.Time
}

// Shared is the composite cache: a local tier plus an optional remote tier,
// with per-namespace hit/miss/set/delete/error counters. It is safe for
// concurrent use.
type Shared struct {
	local      *Memory
	remote     Remote
	remoteScan bool
	origin     string
	obs        Observer
	stats      *stats
	now        func() time.Time

	mu          sync.Mutex
	remoteReady bool
	lastDial    time.Time
	reconnect   time.Duration
}

// New wraps local with the given options.
func New(local *Memory, opts Options) *Shared {
	reconnect := opts.ReconnectInterval
	if reconnect <= 0 {
		reconnect = defaultReconnectInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Shared{
		local:      local,
		remote:     opts.Remote,
		remoteScan: opts.RemoteScan,
		origin:     opts.OriginID,
		obs:        opts.Observer,
		stats:      newStats(),
		now:        now,
		reconnect:  reconnect,
	}
}

// Get returns the live entry for key. ns may be empty to infer it from key.
// A remote hit is promoted into the local tier before returning.
func (s *Shared) Get(ctx context.Context, ns, key string) (*Entry, bool) {
	ns = resolveNamespace(ns, key)
	now := s.now()

	if e, ok := s.local.Get(key, now); ok {
		s.record(ns, EventHit)
		return e, true
	}

	if r := s.remoteTier(ctx, ns); r != nil {
		e, err := r.Get(ctx, key)
		switch {
		case err != nil:
			s.remoteFailed(ctx, ns, "get", err)
		case e == nil:
		case e.Expired(now):
			if err := r.Delete(ctx, key); err != nil {
				s.remoteFailed(ctx, ns, "delete", err)
			}
		default:
			s.local.Set(key, e)
			s.record(ns, EventHit)
			return e, true
		}
	}

	s.record(ns, EventMiss)
	return nil, false
}

// Set stores value under key for ttl (clamped to MinTTL). The local tier is
// written synchronously; the remote tier is best-effort.
func (s *Shared) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) *Entry {
	ns = resolveNamespace(ns, key)
	ttl = max(ttl, MinTTL)
	now := s.now()

	r := s.remoteTier(ctx, ns)
	backend := localBackend
	if r != nil {
		backend = r.Name()
	}
	e := &Entry{
		Value:     value,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
		Namespace: ns,
		Backend:   backend,
		OriginID:  s.origin,
	}
	s.local.Set(key, e)
	s.record(ns, EventSet)

	if r != nil {
		if err := r.Set(ctx, key, e); err != nil {
			s.remoteFailed(ctx, ns, "set", err)
		}
	}
	return e
}

// Delete removes key from both tiers and reports whether the local tier held it.
func (s *Shared) Delete(ctx context.Context, ns, key string) bool {
	ns = resolveNamespace(ns, key)
	removed := s.local.Delete(key)
	if r := s.remoteTier(ctx, ns); r != nil {
		if err := r.Delete(ctx, key); err != nil {
			s.remoteFailed(ctx, ns, "delete", err)
		}
	}
	s.record(ns, EventDelete)
	return removed
}

// Clear empties both tiers.
func (s *Shared) Clear(ctx context.Context) {
	s.local.Clear()
	if r := s.remoteTier(ctx, DefaultNamespace); r != nil {
		if err := r.Clear(ctx); err != nil {
			s.remoteFailed(ctx, DefaultNamespace, "clear", err)
		}
	}
}

// Entries lists the live entries of ns ("" for all), sorted by key. Local
// entries win on key collision with the remote tier.
func (s *Shared) Entries(ctx context.Context, ns string) []KeyedEntry {
	now := s.now()
	out := s.local.Live(ns, now)

	if s.remoteScan {
		if r := s.remoteTier(ctx, cmp.Or(ns, DefaultNamespace)); r != nil {
			remote, err := r.Scan(ctx, ns)
			if err != nil {
				s.remoteFailed(ctx, cmp.Or(ns, DefaultNamespace), "scan", err)
			} else {
				seen := make(map[string]struct{}, len(out))
				for _, ke := range out {
					seen[ke.Key] = struct{}{}
				}
				for _, ke := range remote {
					if _, dup := seen[ke.Key]; dup || ke.Entry == nil || ke.Entry.Expired(now) {
						continue
					}
					seen[ke.Key] = struct{}{}
					out = append(out, ke)
				}
			}
		}
	}

	slices.SortFunc(out, func(a, b KeyedEntry) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

// InvalidatePrefix deletes every entry whose key starts with prefix from both
// tiers and returns the number of distinct keys removed.
func (s *Shared) InvalidatePrefix(ctx context.Context, prefix string) int {
	removed := make(map[string]struct{})
	for _, k := range s.local.DeletePrefix(prefix) {
		removed[k] = struct{}{}
	}
	ns := NamespaceOf(prefix)
	if r := s.remoteTier(ctx, ns); r != nil {
		keys, err := r.DeletePrefix(ctx, prefix)
		if err != nil {
			s.remoteFailed(ctx, ns, "delete_prefix", err)
		}
		for _, k := range keys {
			removed[k] = struct{}{}
		}
	}
	for k := range removed {
		s.record(NamespaceOf(k), EventDelete)
	}
	return len(removed)
}

// PurgeExpired drops expired entries from the local tier and, when supported,
// from the remote tier. It returns the number of local entries dropped.
func (s *Shared) PurgeExpired(ctx context.Context) int {
	now := s.now()
	n := s.local.PurgeExpired(now)
	if p, ok := s.remote.(Purger); ok {
		if r := s.remoteTier(ctx, DefaultNamespace); r != nil {
			if _, err := p.PurgeExpired(ctx, now); err != nil {
				s.remoteFailed(ctx, DefaultNamespace, "purge", err)
			}
		}
	}
	return n
}

// Stats returns a snapshot of the per-namespace counters.
func (s *Shared) Stats() []NamespaceMetrics {
	return s.stats.snapshot()
}

// Backend names the remote tier, or "memory" when the cache is local-only.
func (s *Shared) Backend() string {
	if s.remote == nil {
		return localBackend
	}
	return s.remote.Name()
}

// RemoteReady reports whether the remote tier is configured and connected.
func (s *Shared) RemoteReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote != nil && s.remoteReady
}

// Ping checks the remote tier. A local-only cache is always ready.
func (s *Shared) Ping(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	return s.remote.Ping(ctx)
}

// remoteTier returns the remote tier if it is usable now, lazily
// (re-)establishing the connection at most once per reconnect interval.
func (s *Shared) remoteTier(ctx context.Context, ns string) Remote {
	if s.remote == nil {
		return nil
	}
	now := s.now()

	s.mu.Lock()
	if s.remoteReady {
		s.mu.Unlock()
		return s.remote
	}
	if !s.lastDial.IsZero() && now.Sub(s.lastDial) < s.reconnect {
		s.mu.Unlock()
		return nil
	}
	prev := s.lastDial
	s.lastDial = now
	s.mu.Unlock()

	if err := s.remote.Ping(ctx); err != nil {
		if callerGone(ctx, err) {
			// Let the next caller dial again.
			s.mu.Lock()
			s.lastDial = prev
			s.mu.Unlock()
			return nil
		}
		s.remoteFailed(ctx, ns, "connect", err)
		return nil
	}

	s.mu.Lock()
	s.remoteReady = true
	s.mu.Unlock()
	slog.LogAttrs(ctx, slog.LevelInfo, "remote cache tier ready",
		slog.String("backend", s.remote.Name()),
	)
	return s.remote
}

// remoteFailed counts and logs a remote-tier failure and marks the tier not
// ready so the next use re-dials after the reconnect interval. Failures
// caused by the caller's own cancellation leave the tier untouched.
func (s *Shared) remoteFailed(ctx context.Context, ns, op string, err error) {
	if callerGone(ctx, err) {
		slog.LogAttrs(ctx, slog.LevelDebug, "remote cache call abandoned",
			slog.String("op", op),
			slog.String("namespace", ns),
			slog.String("error", err.Error()),
		)
		return
	}
	s.mu.Lock()
	s.remoteReady = false
	s.lastDial = s.now()
	s.mu.Unlock()

	s.record(ns, EventError)
	slog.LogAttrs(ctx, slog.LevelWarn, "remote cache tier failed",
		slog.String("backend", s.remote.Name()),
		slog.String("op", op),
		slog.String("namespace", ns),
		slog.String("error", err.Error()),
	)
}

// callerGone reports whether err stems from the caller's context rather than
// the remote tier.
func callerGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (s *Shared) record(ns, event string) {
	s.stats.record(ns, event)
	if s.obs != nil {
		s.obs.CacheEvent(ns, event)
	}
}
