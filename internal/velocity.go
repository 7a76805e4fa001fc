// Package velocity defines domain types and interfaces for the sprint reporting service.
// This package has no project imports -- it is the dependency root.
package velocity

import (
	"context"
	"encoding/json"
	"time"
)

// --- Upstream issue tracker ---

// Tracker is the narrow contract the preview pipeline needs from the issue tracker.
// Every method is an upstream network call and may be rate limited.
type Tracker interface {
	// DiscoverBoards returns the agile boards belonging to the given projects.
	DiscoverBoards(ctx context.Context, projectKeys []string) ([]Board, error)
	// DiscoverFields resolves the custom field IDs used when building rows.
	DiscoverFields(ctx context.Context) (FieldMap, error)
	// FetchSprintsForBoard lists every sprint of a board.
	FetchSprintsForBoard(ctx context.Context, boardID int64) ([]Sprint, error)
	// FetchSprintIssues lists the issues of a sprint restricted to scope.
	FetchSprintIssues(ctx context.Context, sprintID int64, scope Scope, fields FieldMap) ([]Issue, error)
}

// Board is an agile board.
type Board struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	ProjectKey string `json:"projectKey"`
}

// Sprint states as reported by the tracker.
const (
	SprintActive = "active"
	SprintClosed = "closed"
	SprintFuture = "future"
)

// Sprint is a time-boxed iteration of a board.
type Sprint struct {
	ID           int64     `json:"id"`
	BoardID      int64     `json:"boardId"`
	Name         string    `json:"name"`
	State        string    `json:"state"`
	StartDate    time.Time `json:"startDate,omitzero"`
	EndDate      time.Time `json:"endDate,omitzero"`
	CompleteDate time.Time `json:"completeDate,omitzero"`
}

// IsOpen reports whether the sprint has not been closed yet.
func (s Sprint) IsOpen() bool { return s.State == SprintActive || s.State == SprintFuture }

// End returns the effective end of the sprint: completion date when closed,
// planned end date otherwise. Zero means indeterminate.
func (s Sprint) End() time.Time {
	if !s.CompleteDate.IsZero() {
		return s.CompleteDate
	}
	return s.EndDate
}

// Overlaps reports whether the sprint intersects [start, end]. Sprints without
// dates are treated as overlapping so they are never silently dropped.
func (s Sprint) Overlaps(start, end time.Time) bool {
	if s.StartDate.IsZero() || s.End().IsZero() {
		return s.State != SprintFuture
	}
	return !s.StartDate.After(end) && !s.End().Before(start)
}

// FieldMap holds tracker-specific custom field IDs.
type FieldMap struct {
	StoryPoints string `json:"storyPoints,omitempty"`
	EpicLink    string `json:"epicLink,omitempty"`
	Sprint      string `json:"sprint,omitempty"`
}

// Issue is a tracker issue as returned for a sprint.
type Issue struct {
	ID             string    `json:"id"`
	Key            string    `json:"key"`
	ProjectKey     string    `json:"projectKey"`
	Type           string    `json:"type"`
	Subtask        bool      `json:"subtask,omitempty"`
	Summary        string    `json:"summary"`
	Status         string    `json:"status"`
	StatusCategory string    `json:"statusCategory"`
	Assignee       string    `json:"assignee,omitempty"`
	EpicKey        string    `json:"epicKey,omitempty"`
	Labels         []string  `json:"labels,omitempty"`
	StoryPoints    float64   `json:"storyPoints,omitempty"`
	Created        time.Time `json:"created,omitzero"`
	Resolved       time.Time `json:"resolved,omitzero"`
}

// Row is one flattened report line: an issue in the context of a sprint.
type Row struct {
	IssueKey       string    `json:"issueKey"`
	ProjectKey     string    `json:"projectKey"`
	IssueType      string    `json:"issueType"`
	Summary        string    `json:"summary"`
	Status         string    `json:"status"`
	StatusCategory string    `json:"statusCategory"`
	Assignee       string    `json:"assignee,omitempty"`
	EpicKey        string    `json:"epicKey,omitempty"`
	BoardID        int64     `json:"boardId"`
	BoardName      string    `json:"boardName"`
	SprintID       int64     `json:"sprintId"`
	SprintName     string    `json:"sprintName"`
	SprintState    string    `json:"sprintState"`
	SprintStart    time.Time `json:"sprintStart,omitzero"`
	SprintEnd      time.Time `json:"sprintEnd,omitzero"`
	StoryPoints    float64   `json:"storyPoints"`
	Created        time.Time `json:"created,omitzero"`
	Resolved       time.Time `json:"resolved,omitzero"`
	Done           bool      `json:"done"`
	Rework         bool      `json:"rework"`
	LeadTimeDays   float64   `json:"leadTimeDays,omitempty"`
}

// --- Preview request / response ---

// Option flags understood by the row builder and metrics assembly.
const (
	FlagIncludeSubtasks = "includeSubtasks"
	FlagThroughput      = "throughput"
	FlagRework          = "rework"
	FlagPredictability  = "predictability"
	FlagTimeToMarket    = "timeToMarket"
)

// Preview modes.
const (
	ModeFull        = "full"
	ModeRecentSplit = "recent-split"
)

// Scope is the data slice a preview covers.
type Scope struct {
	Projects    []string  `json:"projects" validate:"required,min=1,dive,required"`
	WindowStart time.Time `json:"windowStart" validate:"required"`
	WindowEnd   time.Time `json:"windowEnd" validate:"required"`
}

// Days returns the inclusive length of the window in days.
func (s Scope) Days() int {
	return int(s.WindowEnd.Sub(s.WindowStart).Hours()/24) + 1
}

// Options are the per-request feature flags. Missing flags are false.
type Options map[string]bool

// Enabled reports whether flag is set.
func (o Options) Enabled(flag string) bool { return o[flag] }

// Control carries flags that change how a preview is served but not what it contains.
type Control struct {
	AllowSubset bool   `json:"allowSubset"`
	BypassCache bool   `json:"bypassCache"`
	Split       bool   `json:"split"`
	PreviewMode string `json:"previewMode,omitempty" validate:"omitempty,oneof=full recent-split"`
	SplitDays   int    `json:"splitDays,omitempty" validate:"omitempty,min=1,max=60"`
}

// PreviewRequest is the input of generatePreview.
type PreviewRequest struct {
	Scope   Scope   `json:"scope" validate:"required"`
	Options Options `json:"options,omitempty"`
	Control Control `json:"control"`
}

// SplitInfo describes a split-window decision applied to a preview.
type SplitInfo struct {
	Reason     string    `json:"reason"`
	CutoffDate time.Time `json:"cutoffDate"`
	SplitDays  int       `json:"splitDays"`
}

// Meta describes how a preview was produced.
type Meta struct {
	FromCache        bool              `json:"fromCache"`
	Subset           bool              `json:"subset,omitempty"`
	Partial          bool              `json:"partial"`
	PartialReason    string            `json:"partialReason,omitempty"`
	GeneratedAt      time.Time         `json:"generatedAt"`
	CacheKeyUsed     string            `json:"cacheKeyUsed"`
	RequestedKey     string            `json:"requestedKey,omitempty"`
	CacheAgeSeconds  float64           `json:"cacheAgeSeconds,omitempty"`
	Scope            Scope             `json:"scope"`
	Options          Options           `json:"options,omitempty"`
	Split            *SplitInfo        `json:"split,omitempty"`
	SprintsTotal     int               `json:"sprintsTotal"`
	SprintsFetched   int               `json:"sprintsFetched"`
	SprintsFromCache int               `json:"sprintsFromCache"`
	SprintsSkipped   int               `json:"sprintsSkipped"`
	SprintsFailed    int               `json:"sprintsFailed"`
	MetricErrors     map[string]string `json:"metricErrors,omitempty"`
	ElapsedMs        int64             `json:"elapsedMs"`
}

// PreviewResult is the output of generatePreview.
type PreviewResult struct {
	Meta    Meta                       `json:"meta"`
	Rows    []Row                      `json:"rows"`
	Metrics map[string]json.RawMessage `json:"metrics,omitempty"`
}

// --- Background work ---

// Task is a unit of detached background work, such as warming a sprint's
// cached rows. Tasks with the same ID are interchangeable.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// TaskQueue accepts background tasks. Enqueue never blocks and reports
// whether the task was accepted.
type TaskQueue interface {
	Enqueue(Task) bool
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}
