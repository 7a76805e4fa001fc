// Package tracker contains shared plumbing for issue tracker clients:
// HTTP transport setup, API error mapping and memoized discovery.
package tracker

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	velocity "github.com/eugener/velocity/internal"
)

// APIError represents an error response from the upstream tracker.
// It satisfies the status and retry-hint interfaces used by the
// rate-limit guard and circuit breaker.
type APIError struct {
	Tracker    string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

// Error returns a formatted error string including tracker, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Tracker, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryAfterHint returns the server-provided wait, or 0.
func (e *APIError) RetryAfterHint() time.Duration { return e.RetryAfter }

// Unwrap maps the status onto a domain sentinel.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return velocity.ErrUnauthorized
	case e.StatusCode == http.StatusNotFound:
		return velocity.ErrNotFound
	case e.StatusCode == http.StatusTooManyRequests:
		return velocity.ErrRateLimited
	default:
		return velocity.ErrUpstream
	}
}

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(tracker string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		Tracker:    tracker,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(0, time.Duration(secs)*time.Second)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(0, t.Sub(now))
	}
	return 0
}
