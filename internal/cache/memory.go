package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
)

// Memory is the process-local tier: a bounded W-TinyLFU cache backed by otter.
// Per-entry expiry is enforced on read; maxTTL bounds how long otter keeps
// anything regardless of the entry's own deadline.
type Memory struct {
	cache *otter.Cache[string, *Entry]
}

// NewMemory creates a local tier with the given max entry count and max TTL.
func NewMemory(maxSize int, maxTTL time.Duration) (*Memory, error) {
	c, err := otter.New[string, *Entry](&otter.Options[string, *Entry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *Entry](maxTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create local cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Get returns the live entry for key. Expired entries are invalidated.
func (m *Memory) Get(key string, now time.Time) (*Entry, bool) {
	e, ok := m.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if e.Expired(now) {
		m.cache.Invalidate(key)
		return nil, false
	}
	return e, true
}

// Set stores e under key, replacing any previous entry.
func (m *Memory) Set(key string, e *Entry) {
	m.cache.Set(key, e)
}

// Delete removes key and reports whether a live or expired entry was present.
func (m *Memory) Delete(key string) bool {
	if _, ok := m.cache.GetIfPresent(key); !ok {
		return false
	}
	m.cache.Invalidate(key)
	return true
}

// Clear removes every entry.
func (m *Memory) Clear() {
	m.cache.InvalidateAll()
}

// Live returns the non-expired entries of namespace ("" for all).
func (m *Memory) Live(namespace string, now time.Time) []KeyedEntry {
	var out []KeyedEntry
	for k, e := range m.cache.All() {
		if e.Expired(now) {
			continue
		}
		if namespace != "" && e.Namespace != namespace {
			continue
		}
		out = append(out, KeyedEntry{Key: k, Entry: e})
	}
	return out
}

// DeletePrefix removes every key starting with prefix and returns the removed keys.
func (m *Memory) DeletePrefix(prefix string) []string {
	var keys []string
	for k := range m.cache.All() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		m.cache.Invalidate(k)
	}
	return keys
}

// PurgeExpired drops entries whose deadline has passed.
func (m *Memory) PurgeExpired(now time.Time) int {
	var keys []string
	for k, e := range m.cache.All() {
		if e.Expired(now) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		m.cache.Invalidate(k)
	}
	return len(keys)
}
