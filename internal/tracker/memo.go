package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	velocity "github.com/eugener/velocity/internal"
	"github.com/eugener/velocity/internal/cache"
)

// Cache namespaces used for memoized discovery results.
const (
	NamespaceBoards = "boards"
	NamespaceFields = "fields"
)

var _ velocity.Tracker = (*Memoized)(nil)

// Memoized wraps a Tracker so that board and field discovery are served
// from the shared cache for a short TTL. Concurrent misses for the same key
// share one upstream call. Sprint and issue fetches pass through.
type Memoized struct {
	velocity.Tracker
	cache *cache.Shared
	ttl   time.Duration
	group singleflight.Group
}

// NewMemoized wraps next. A non-positive ttl defaults to ten minutes.
func NewMemoized(next velocity.Tracker, c *cache.Shared, ttl time.Duration) *Memoized {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Memoized{Tracker: next, cache: c, ttl: ttl}
}

// DiscoverBoards returns the boards of projectKeys, memoized per project set.
func (m *Memoized) DiscoverBoards(ctx context.Context, projectKeys []string) ([]velocity.Board, error) {
	keys := slices.Clone(projectKeys)
	slices.Sort(keys)
	key := NamespaceBoards + ":" + strings.Join(slices.Compact(keys), ",")
	return memoize(ctx, m, NamespaceBoards, key, func(ctx context.Context) ([]velocity.Board, error) {
		return m.Tracker.DiscoverBoards(ctx, keys)
	})
}

// DiscoverFields returns the custom field map, memoized globally.
func (m *Memoized) DiscoverFields(ctx context.Context) (velocity.FieldMap, error) {
	return memoize(ctx, m, NamespaceFields, NamespaceFields+":all", m.Tracker.DiscoverFields)
}

func memoize[T any](ctx context.Context, m *Memoized, ns, key string, load func(context.Context) (T, error)) (T, error) {
	if e, ok := m.cache.Get(ctx, ns, key); ok {
		var v T
		if err := json.Unmarshal(e.Value, &v); err == nil {
			return v, nil
		}
		m.cache.Delete(ctx, ns, key)
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		// A flight that finished just before this one may have filled the cache.
		if e, ok := m.cache.Get(ctx, ns, key); ok {
			var v T
			if err := json.Unmarshal(e.Value, &v); err == nil {
				return v, nil
			}
		}
		// Detached so one caller's cancellation does not fail the others.
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}
		if raw, err := json.Marshal(v); err == nil {
			m.cache.Set(ctx, ns, key, raw, m.ttl)
		} else {
			slog.LogAttrs(ctx, slog.LevelWarn, "memoize encode failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
