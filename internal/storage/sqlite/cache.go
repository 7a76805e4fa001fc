package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/eugener/velocity/internal/cache"
)

// Get returns the entry for key, or nil when absent.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT key, namespace, value, cached_at, expires_at, backend, origin_id
		 FROM cache_entries WHERE key=?`, key,
	)
	ke, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ke.Entry, nil
}

// Set upserts e under key.
func (s *Store) Set(ctx context.Context, key string, e *cache.Entry) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cache_entries (key, namespace, value, cached_at, expires_at, backend, origin_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   namespace=excluded.namespace, value=excluded.value, cached_at=excluded.cached_at,
		   expires_at=excluded.expires_at, backend=excluded.backend, origin_id=excluded.origin_id`,
		key, e.Namespace, e.Value, e.CachedAt.UnixMilli(), e.ExpiresAt.UnixMilli(), e.Backend, e.OriginID,
	)
	return err
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM cache_entries WHERE key=?`, key)
	return err
}

// DeletePrefix removes every key starting with prefix and returns the removed keys.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.write.QueryContext(ctx,
		`DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\' RETURNING key`,
		likePrefix(prefix),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}

// Scan lists the entries of namespace ("" for all), including expired ones.
func (s *Store) Scan(ctx context.Context, namespace string) ([]cache.KeyedEntry, error) {
	query := `SELECT key, namespace, value, cached_at, expires_at, backend, origin_id FROM cache_entries`
	var args []any
	if namespace != "" {
		query += ` WHERE namespace=?`
		args = append(args, namespace)
	}
	query += ` ORDER BY key`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cache.KeyedEntry
	for rows.Next() {
		ke, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ke)
	}
	return out, rows.Err()
}

// PurgeExpired deletes entries whose deadline is at or before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (cache.KeyedEntry, error) {
	var (
		key                 string
		e                   cache.Entry
		cachedAt, expiresAt int64
	)
	err := s.Scan(&key, &e.Namespace, &e.Value, &cachedAt, &expiresAt, &e.Backend, &e.OriginID)
	if err != nil {
		return cache.KeyedEntry{}, err
	}
	e.CachedAt = time.UnixMilli(cachedAt)
	e.ExpiresAt = time.UnixMilli(expiresAt)
	return cache.KeyedEntry{Key: key, Entry: &e}, nil
}

// likePrefix escapes LIKE wildcards in prefix and appends %.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
