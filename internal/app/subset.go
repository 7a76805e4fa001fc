package app

import (
	"context"
	"slices"
	"time"

	"github.com/tidwall/gjson"

	velocity "github.com/eugener/velocity/internal"
	"github.com/eugener/velocity/internal/cache"
)

// FindBestSubset scans live preview entries for the freshest one whose
// recorded scope is covered by requested: every project requested, window
// contained, age within maxAge. Partial entries are never candidates. Ties
// on cache time are broken by key. ok is false when nothing qualifies.
func FindBestSubset(ctx context.Context, c *cache.Shared, requested velocity.Scope, maxAge time.Duration, now time.Time) (key string, entry *cache.Entry, ok bool) {
	for _, ke := range c.Entries(ctx, PreviewNamespace) {
		e := ke.Entry
		if maxAge > 0 && e.Age(now) > maxAge {
			continue
		}
		meta := gjson.GetBytes(e.Value, "meta")
		if !meta.Exists() || meta.Get("partial").Bool() {
			continue
		}
		if !coveredBy(meta.Get("scope"), requested) {
			continue
		}
		if !ok || e.CachedAt.After(entry.CachedAt) || (e.CachedAt.Equal(entry.CachedAt) && ke.Key < key) {
			key, entry, ok = ke.Key, e, true
		}
	}
	return key, entry, ok
}

// coveredBy reports whether the cached scope is a subset of requested.
func coveredBy(scope gjson.Result, requested velocity.Scope) bool {
	projects := scope.Get("projects").Array()
	if len(projects) == 0 {
		return false
	}
	for _, p := range projects {
		if _, found := slices.BinarySearch(requested.Projects, p.String()); !found {
			return false
		}
	}
	start, err := time.Parse(time.RFC3339, scope.Get("windowStart").String())
	if err != nil {
		return false
	}
	end, err := time.Parse(time.RFC3339, scope.Get("windowEnd").String())
	if err != nil {
		return false
	}
	return !start.Before(requested.WindowStart) && !end.After(requested.WindowEnd)
}
