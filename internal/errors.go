package velocity

import (
	"errors"
	"fmt"
)

// Sentinel errors for the reporting domain.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("upstream rate limited")
	ErrCooldown     = errors.New("cooldown in effect")
	ErrUpstream     = errors.New("upstream failure")
	ErrUnauthorized = errors.New("upstream unauthorized")
	ErrCircuitOpen  = errors.New("circuit open")
	ErrCacheBackend = errors.New("cache backend failure")
)

// Validation error codes returned to API callers.
const (
	CodeMissingField  = "missing_field"
	CodeInvalidField  = "invalid_field"
	CodeWindowInvalid = "window_invalid"
	CodeWindowTooWide = "window_too_wide"
)

// ValidationError describes a malformed or out-of-bounds preview request.
// It is terminal: callers must not retry the same request.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error { return ErrValidation }
