package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	velocity "github.com/eugener/velocity/internal"
)

// Machine-readable error codes returned in error responses.
const (
	codeInvalidBody  = "invalid_body"
	codeValidation   = "validation_failed"
	codeRateLimited  = "rate_limited"
	codeUnauthorized = "upstream_unauthorized"
	codeUpstream     = "upstream_error"
	codeCircuitOpen  = "circuit_open"
	codeForbidden    = "forbidden"
	codeNotFound     = "not_found"
	codeInternal     = "internal_error"
	codeClientClosed = "client_closed"
)

// previewBody is the wire form of a preview request. Window bounds accept
// either a calendar date or an RFC 3339 timestamp.
type previewBody struct {
	Scope struct {
		Projects    []string `json:"projects"`
		WindowStart string   `json:"windowStart"`
		WindowEnd   string   `json:"windowEnd"`
	} `json:"scope"`
	Options velocity.Options `json:"options"`
	Control velocity.Control `json:"control"`
}

func (b *previewBody) toRequest() (velocity.PreviewRequest, error) {
	start, err := parseDay("scope.windowStart", b.Scope.WindowStart)
	if err != nil {
		return velocity.PreviewRequest{}, err
	}
	end, err := parseDay("scope.windowEnd", b.Scope.WindowEnd)
	if err != nil {
		return velocity.PreviewRequest{}, err
	}
	return velocity.PreviewRequest{
		Scope: velocity.Scope{
			Projects:    b.Scope.Projects,
			WindowStart: start,
			WindowEnd:   end,
		},
		Options: b.Options,
		Control: b.Control,
	}, nil
}

// parseDay parses a date or timestamp. Empty input yields the zero time so
// request validation reports the field as missing.
func parseDay(field, v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Time{}, &velocity.ValidationError{
		Code:    velocity.CodeInvalidField,
		Field:   field,
		Message: "must be a date (YYYY-MM-DD) or RFC 3339 timestamp",
	}
}

func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var body previewBody
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Client disconnect cancels r.Context(), which stops the fetch loop
	// between chunks; the partial result is still cached.
	res, err := s.deps.Preview.Generate(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason,omitempty"`
		Field   string `json:"field,omitempty"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(code, msg string) apiError {
	var e apiError
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

// writeError maps err to a status and error body. Unclassified errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)

	var ve *velocity.ValidationError
	if errors.As(err, &ve) {
		resp := errorResponse(code, ve.Message)
		resp.Error.Reason = ve.Code
		resp.Error.Field = ve.Field
		writeJSON(w, status, resp)
		return
	}

	msg := err.Error()
	if status == statusClientClosed {
		slog.LogAttrs(r.Context(), slog.LevelDebug, "client went away",
			slog.String("path", r.URL.Path),
			slog.String("request_id", velocity.RequestIDFromContext(r.Context())),
		)
	}
	if status == http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", velocity.RequestIDFromContext(r.Context())),
			slog.String("error", msg),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse(code, msg))
}

// statusClientClosed is the de facto status for a request abandoned by
// its client. The body is usually never read.
const statusClientClosed = 499

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosed, codeClientClosed
	case errors.Is(err, velocity.ErrValidation):
		return http.StatusBadRequest, codeValidation
	case errors.Is(err, velocity.ErrUnauthorized):
		return http.StatusBadGateway, codeUnauthorized
	case errors.Is(err, velocity.ErrRateLimited), errors.Is(err, velocity.ErrCooldown):
		return http.StatusTooManyRequests, codeRateLimited
	case errors.Is(err, velocity.ErrCircuitOpen):
		return http.StatusServiceUnavailable, codeCircuitOpen
	case errors.Is(err, velocity.ErrUpstream), errors.Is(err, velocity.ErrNotFound):
		return http.StatusBadGateway, codeUpstream
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// jsonCT is assigned directly into the header map.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
