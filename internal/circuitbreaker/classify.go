package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	velocity "github.com/eugener/velocity/internal"
)

// httpStatusError is implemented by tracker API errors.
type httpStatusError interface {
	HTTPStatus() int
}

// ClassifyError returns the breaker weight for an upstream call outcome.
//
// Weights:
//   - 429 (rate limited) -> 0.5
//   - 5xx -> 1.0
//   - timeout (deadline exceeded) -> 1.5
//   - other 4xx, auth and not-found -> 0.0 (client faults)
//   - caller cancellation -> 0.0
//   - network and unknown errors -> 1.0
func ClassifyError(err error) float64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return 1.5
	case errors.Is(err, context.Canceled):
		return 0
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return classifyStatus(he.HTTPStatus())
	}

	switch {
	case errors.Is(err, velocity.ErrRateLimited):
		return 0.5
	case errors.Is(err, velocity.ErrUnauthorized),
		errors.Is(err, velocity.ErrNotFound),
		errors.Is(err, velocity.ErrValidation):
		return 0
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 1.5
	}
	return 1.0
}

// classifyStatus returns the weight for an HTTP status code.
func classifyStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500:
		return 1.0
	default:
		return 0.0
	}
}
