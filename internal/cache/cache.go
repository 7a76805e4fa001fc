// Package cache provides the dual-tier shared cache used by the preview pipeline.
//
// The local tier is always present. An optional Remote tier extends the cache
// across instances; it is best-effort and its failures never reach callers.
package cache

import (
	"context"
	"strings"
	"time"
)

const (
	// DefaultNamespace is used for keys without a path-like prefix.
	DefaultNamespace = "default"
	// MinTTL is the floor applied to every Set.
	MinTTL = time.Second
)

// Entry is a cached value with its provenance. Entries are never mutated
// after creation; Set always replaces.
type Entry struct {
	Value     []byte    `json:"value"`
	CachedAt  time.Time `json:"cachedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Namespace string    `json:"namespace"`
	Backend   string    `json:"backend"`
	OriginID  string    `json:"originId"`
}

// Expired reports whether the entry must be treated as absent at now.
func (e *Entry) Expired(now time.Time) bool { return !e.ExpiresAt.After(now) }

// Age returns how long ago the entry was cached.
func (e *Entry) Age(now time.Time) time.Duration { return now.Sub(e.CachedAt) }

// KeyedEntry pairs an entry with its key.
type KeyedEntry struct {
	Key   string
	Entry *Entry
}

// Remote is a cache tier shared across processes.
type Remote interface {
	// Name identifies the backend (e.g. "redis", "sqlite").
	Name() string
	// Get returns the entry for key, or nil and no error when absent.
	Get(ctx context.Context, key string) (*Entry, error)
	// Set stores e under key until e.ExpiresAt.
	Set(ctx context.Context, key string, e *Entry) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and returns the removed keys.
	DeletePrefix(ctx context.Context, prefix string) ([]string, error)
	// Clear removes every entry owned by this tier.
	Clear(ctx context.Context) error
	// Scan lists the entries of a namespace ("" for all). Results may include expired entries.
	Scan(ctx context.Context, namespace string) ([]KeyedEntry, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// Purger is implemented by remote tiers that can drop expired entries in bulk.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Observer receives cache events, e.g. to export them as metrics.
type Observer interface {
	CacheEvent(namespace, event string)
}

// Cache event names reported to Observer.
const (
	EventHit    = "hit"
	EventMiss   = "miss"
	EventSet    = "set"
	EventDelete = "delete"
	EventError  = "error"
)

// NamespaceOf infers a namespace from the first path-like segment of key.
// "preview:ab12" and "preview/ab12" both map to "preview".
func NamespaceOf(key string) string {
	i := strings.IndexAny(key, ":/")
	if i <= 0 {
		return DefaultNamespace
	}
	return key[:i]
}

func resolveNamespace(ns, key string) string {
	if ns != "" {
		return ns
	}
	return NamespaceOf(key)
}
