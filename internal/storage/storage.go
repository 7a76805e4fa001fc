// Package storage defines persistence interfaces for velocity.
package storage

import (
	"context"
	"time"

	"github.com/eugener/velocity/internal/cache"
)

// CacheStore is a durable remote cache tier.
type CacheStore interface {
	cache.Remote
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}
