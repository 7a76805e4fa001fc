package app

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	velocity "github.com/eugener/velocity/internal"
)

// Cache namespaces owned by the preview pipeline.
const (
	PreviewNamespace = "preview"
	SprintNamespace  = "sprint"
)

// DefaultMaxWindowDays bounds the preview window (two years).
const DefaultMaxWindowDays = 731

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names so errors match the request body.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize returns req in canonical form: project keys trimmed, uppercased,
// deduplicated and sorted; window bounds truncated to the UTC day; false
// option flags dropped. Semantically identical requests normalize equally.
func Normalize(req velocity.PreviewRequest) velocity.PreviewRequest {
	projects := make([]string, 0, len(req.Scope.Projects))
	for _, p := range req.Scope.Projects {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			projects = append(projects, p)
		}
	}
	slices.Sort(projects)
	req.Scope.Projects = slices.Compact(projects)
	req.Scope.WindowStart = truncateDay(req.Scope.WindowStart)
	req.Scope.WindowEnd = truncateDay(req.Scope.WindowEnd)

	var opts velocity.Options
	for k, v := range req.Options {
		if v {
			if opts == nil {
				opts = make(velocity.Options)
			}
			opts[k] = true
		}
	}
	req.Options = opts
	req.Control.PreviewMode = strings.ToLower(strings.TrimSpace(req.Control.PreviewMode))
	return req
}

// Validate rejects malformed or out-of-bounds requests with a
// *velocity.ValidationError. req must already be normalized.
func Validate(req velocity.PreviewRequest, maxWindowDays int) error {
	if err := validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fieldError(fieldErrs[0])
		}
		return &velocity.ValidationError{Code: velocity.CodeInvalidField, Message: err.Error()}
	}
	s := req.Scope
	if s.WindowEnd.Before(s.WindowStart) {
		return &velocity.ValidationError{
			Code:    velocity.CodeWindowInvalid,
			Field:   "scope.windowEnd",
			Message: "window end is before window start",
		}
	}
	if maxWindowDays <= 0 {
		maxWindowDays = DefaultMaxWindowDays
	}
	if days := s.Days(); days > maxWindowDays {
		return &velocity.ValidationError{
			Code:    velocity.CodeWindowTooWide,
			Field:   "scope",
			Message: fmt.Sprintf("window spans %d days, maximum is %d", days, maxWindowDays),
		}
	}
	return nil
}

func fieldError(fe validator.FieldError) *velocity.ValidationError {
	// Namespace is "PreviewRequest.scope.projects[0]"; drop the type name.
	_, field, _ := strings.Cut(fe.Namespace(), ".")
	code := velocity.CodeInvalidField
	msg := fmt.Sprintf("failed %q validation", fe.Tag())
	if fe.Tag() == "required" {
		code = velocity.CodeMissingField
		msg = "is required"
	}
	if fe.Tag() == "min" && fe.Kind() == reflect.Slice {
		code = velocity.CodeMissingField
		msg = "must not be empty"
	}
	return &velocity.ValidationError{Code: code, Field: field, Message: msg}
}

// CacheKey returns the canonical preview cache key for a normalized scope
// and its option flags.
func CacheKey(s velocity.Scope, opts velocity.Options) string {
	m := map[string]any{
		"projects": s.Projects,
		"start":    s.WindowStart.Format(time.DateOnly),
		"end":      s.WindowEnd.Format(time.DateOnly),
		"options":  enabledFlags(opts),
	}
	h := sha256.Sum256(stableJSON(m))
	return PreviewNamespace + ":" + hex.EncodeToString(h[:])
}

// sprintKey identifies the cached rows of one sprint for a project set and
// the row-shaping flags.
func sprintKey(boardID, sprintID int64, s velocity.Scope, opts velocity.Options) string {
	m := map[string]any{
		"projects": s.Projects,
		"subtasks": opts.Enabled(velocity.FlagIncludeSubtasks),
	}
	h := sha256.Sum256(stableJSON(m))
	return fmt.Sprintf("%s:%d:%d:%s", SprintNamespace, boardID, sprintID, hex.EncodeToString(h[:8]))
}

func enabledFlags(opts velocity.Options) []string {
	flags := make([]string, 0, len(opts))
	for k, v := range opts {
		if v {
			flags = append(flags, k)
		}
	}
	slices.Sort(flags)
	return flags
}

func stableJSON(m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].Key = k
		ordered[i].Value = m[k]
	}

	data, _ := json.Marshal(ordered)
	return data
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
