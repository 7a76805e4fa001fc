// Package report turns tracker issues into report rows and computes the
// optional sprint metrics. Everything here is pure: no I/O, no clocks.
package report

import (
	"errors"
	"strings"

	velocity "github.com/eugener/velocity/internal"
)

// ErrInsufficientData is returned by a metric that has nothing to measure.
var ErrInsufficientData = errors.New("insufficient data")

// Keep reports whether issue belongs in the report under opts.
func Keep(issue velocity.Issue, opts velocity.Options) bool {
	return !issue.Subtask || opts.Enabled(velocity.FlagIncludeSubtasks)
}

// BuildRow flattens issue in the context of its sprint and board.
func BuildRow(issue velocity.Issue, sprint velocity.Sprint, board velocity.Board, _ velocity.FieldMap, _ velocity.Options) velocity.Row {
	row := velocity.Row{
		IssueKey:       issue.Key,
		ProjectKey:     issue.ProjectKey,
		IssueType:      issue.Type,
		Summary:        issue.Summary,
		Status:         issue.Status,
		StatusCategory: issue.StatusCategory,
		Assignee:       issue.Assignee,
		EpicKey:        issue.EpicKey,
		BoardID:        board.ID,
		BoardName:      board.Name,
		SprintID:       sprint.ID,
		SprintName:     sprint.Name,
		SprintState:    sprint.State,
		SprintStart:    sprint.StartDate,
		SprintEnd:      sprint.End(),
		StoryPoints:    issue.StoryPoints,
		Created:        issue.Created,
		Resolved:       issue.Resolved,
		Done:           strings.EqualFold(issue.StatusCategory, "done"),
		Rework:         isRework(issue),
	}
	if row.Done && !issue.Created.IsZero() && !issue.Resolved.IsZero() && issue.Resolved.After(issue.Created) {
		row.LeadTimeDays = round2(issue.Resolved.Sub(issue.Created).Hours() / 24)
	}
	return row
}

func isRework(issue velocity.Issue) bool {
	if strings.EqualFold(issue.Type, "bug") {
		return true
	}
	for _, l := range issue.Labels {
		if strings.EqualFold(l, "rework") {
			return true
		}
	}
	return false
}

// Func computes one metric from the assembled rows.
type Func func(rows []velocity.Row) (any, error)

// Metrics maps each metric option flag to its computation.
var Metrics = map[string]Func{
	velocity.FlagThroughput:     func(r []velocity.Row) (any, error) { return Throughput(r) },
	velocity.FlagRework:         func(r []velocity.Row) (any, error) { return Rework(r) },
	velocity.FlagPredictability: func(r []velocity.Row) (any, error) { return Predictability(r) },
	velocity.FlagTimeToMarket:   func(r []velocity.Row) (any, error) { return TimeToMarket(r) },
}
