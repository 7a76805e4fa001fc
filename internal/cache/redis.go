package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisScanCount = 200

// Redis is a Remote tier backed by Redis. Keys are stored under prefix so
// several deployments can share one Redis database.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

var _ Remote = (*Redis)(nil)

// NewRedis wraps client. prefix is prepended to every key (e.g. "velocity:").
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Name returns the backend identifier.
func (r *Redis) Name() string { return "redis" }

// Get returns the entry for key, or nil when absent.
func (r *Redis) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("redis decode %q: %w", key, err)
	}
	return &e, nil
}

// Set stores e with a Redis TTL matching its deadline.
func (r *Redis) Set(ctx context.Context, key string, e *Entry) error {
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis encode %q: %w", key, err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) ([]string, error) {
	full, err := r.scanKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(full) == 0 {
		return nil, nil
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return nil, fmt.Errorf("redis del: %w", err)
	}
	keys := make([]string, len(full))
	for i, k := range full {
		keys[i] = strings.TrimPrefix(k, r.prefix)
	}
	return keys, nil
}

// Clear removes every key under the prefix. It never flushes the database.
func (r *Redis) Clear(ctx context.Context) error {
	_, err := r.DeletePrefix(ctx, "")
	return err
}

// Scan lists the entries of namespace ("" for all).
func (r *Redis) Scan(ctx context.Context, namespace string) ([]KeyedEntry, error) {
	full, err := r.scanKeys(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []KeyedEntry
	for start := 0; start < len(full); start += redisScanCount {
		batch := full[start:min(start+redisScanCount, len(full))]
		vals, err := r.client.MGet(ctx, batch...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget: %w", err)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue // expired between SCAN and MGET
			}
			var e Entry
			if err := json.Unmarshal([]byte(s), &e); err != nil {
				continue
			}
			if namespace != "" && e.Namespace != namespace {
				continue
			}
			out = append(out, KeyedEntry{Key: strings.TrimPrefix(batch[i], r.prefix), Entry: &e})
		}
	}
	return out, nil
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// globEscaper escapes SCAN MATCH metacharacters.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// scanKeys returns the full (prefixed) keys starting with prefix.
func (r *Redis) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	full := r.prefix + prefix
	var keys []string
	iter := r.client.Scan(ctx, 0, globEscaper.Replace(full)+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		if k := iter.Val(); strings.HasPrefix(k, full) {
			keys = append(keys, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}
