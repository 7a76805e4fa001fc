// Package testutil provides configurable test fakes for velocity interfaces.
package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	velocity "github.com/eugener/velocity/internal"
)

// Dataset is canned tracker content.
type Dataset struct {
	Fields  velocity.FieldMap
	Boards  []velocity.Board
	Sprints map[int64][]velocity.Sprint // by board ID
	Issues  map[int64][]velocity.Issue  // by sprint ID
}

// FakeTracker is a configurable velocity.Tracker for testing. Each method
// delegates to its Fn when set and otherwise serves Data. Calls are counted.
type FakeTracker struct {
	Data      Dataset
	FieldsFn  func(ctx context.Context) (velocity.FieldMap, error)
	BoardsFn  func(ctx context.Context, projectKeys []string) ([]velocity.Board, error)
	SprintsFn func(ctx context.Context, boardID int64) ([]velocity.Sprint, error)
	IssuesFn  func(ctx context.Context, sprintID int64, scope velocity.Scope, fields velocity.FieldMap) ([]velocity.Issue, error)

	fieldCalls  atomic.Int64
	boardCalls  atomic.Int64
	sprintCalls atomic.Int64
	issueCalls  atomic.Int64
}

var _ velocity.Tracker = (*FakeTracker)(nil)

// DiscoverFields delegates to FieldsFn or returns Data.Fields.
func (f *FakeTracker) DiscoverFields(ctx context.Context) (velocity.FieldMap, error) {
	f.fieldCalls.Add(1)
	if f.FieldsFn != nil {
		return f.FieldsFn(ctx)
	}
	return f.Data.Fields, nil
}

// DiscoverBoards delegates to BoardsFn or returns the boards of projectKeys.
func (f *FakeTracker) DiscoverBoards(ctx context.Context, projectKeys []string) ([]velocity.Board, error) {
	f.boardCalls.Add(1)
	if f.BoardsFn != nil {
		return f.BoardsFn(ctx, projectKeys)
	}
	var out []velocity.Board
	for _, b := range f.Data.Boards {
		if slices.Contains(projectKeys, b.ProjectKey) {
			out = append(out, b)
		}
	}
	return out, nil
}

// FetchSprintsForBoard delegates to SprintsFn or returns Data.Sprints.
func (f *FakeTracker) FetchSprintsForBoard(ctx context.Context, boardID int64) ([]velocity.Sprint, error) {
	f.sprintCalls.Add(1)
	if f.SprintsFn != nil {
		return f.SprintsFn(ctx, boardID)
	}
	return f.Data.Sprints[boardID], nil
}

// FetchSprintIssues delegates to IssuesFn or returns the sprint's issues
// belonging to the scope's projects.
func (f *FakeTracker) FetchSprintIssues(ctx context.Context, sprintID int64, scope velocity.Scope, fields velocity.FieldMap) ([]velocity.Issue, error) {
	f.issueCalls.Add(1)
	if f.IssuesFn != nil {
		return f.IssuesFn(ctx, sprintID, scope, fields)
	}
	var out []velocity.Issue
	for _, is := range f.Data.Issues[sprintID] {
		if slices.Contains(scope.Projects, is.ProjectKey) {
			out = append(out, is)
		}
	}
	return out, nil
}

// FieldCalls returns the number of DiscoverFields calls.
func (f *FakeTracker) FieldCalls() int64 { return f.fieldCalls.Load() }

// BoardCalls returns the number of DiscoverBoards calls.
func (f *FakeTracker) BoardCalls() int64 { return f.boardCalls.Load() }

// SprintCalls returns the number of FetchSprintsForBoard calls.
func (f *FakeTracker) SprintCalls() int64 { return f.sprintCalls.Load() }

// IssueCalls returns the number of FetchSprintIssues calls.
func (f *FakeTracker) IssueCalls() int64 { return f.issueCalls.Load() }

// UpstreamCalls returns the total number of tracker calls.
func (f *FakeTracker) UpstreamCalls() int64 {
	return f.FieldCalls() + f.BoardCalls() + f.SprintCalls() + f.IssueCalls()
}

// NewDataset builds one scrum board per project, each with sprints
// two-week sprints ending at end and walking backwards. The newest sprint
// is active, the rest closed. Every sprint holds one done story, one open
// story and one done bug per project.
func NewDataset(projects []string, sprints int, end time.Time) Dataset {
	ds := Dataset{
		Fields:  velocity.FieldMap{StoryPoints: "customfield_10016", EpicLink: "customfield_10014"},
		Sprints: make(map[int64][]velocity.Sprint),
		Issues:  make(map[int64][]velocity.Issue),
	}
	for pi, p := range projects {
		boardID := int64(pi + 1)
		ds.Boards = append(ds.Boards, velocity.Board{ID: boardID, Name: p + " board", Type: "scrum", ProjectKey: p})
		for si := range sprints {
			sprintEnd := end.AddDate(0, 0, -14*si)
			sp := velocity.Sprint{
				ID:        boardID*1000 + int64(si),
				BoardID:   boardID,
				Name:      fmt.Sprintf("%s Sprint %d", p, sprints-si),
				State:     velocity.SprintClosed,
				StartDate: sprintEnd.AddDate(0, 0, -13),
				EndDate:   sprintEnd,
			}
			if si == 0 {
				sp.State = velocity.SprintActive
			} else {
				sp.CompleteDate = sprintEnd
			}
			ds.Sprints[boardID] = append(ds.Sprints[boardID], sp)
			ds.Issues[sp.ID] = sprintIssues(p, sp)
		}
	}
	return ds
}

func sprintIssues(project string, sp velocity.Sprint) []velocity.Issue {
	key := func(n int) string { return fmt.Sprintf("%s-%d", project, sp.ID*10+int64(n)) }
	created := sp.StartDate.Add(-48 * time.Hour)
	return []velocity.Issue{
		{
			ID: key(1), Key: key(1), ProjectKey: project, Type: "Story",
			Summary: "done story", Status: "Done", StatusCategory: "done",
			StoryPoints: 5, Created: created, Resolved: sp.StartDate.AddDate(0, 0, 7),
		},
		{
			ID: key(2), Key: key(2), ProjectKey: project, Type: "Story",
			Summary: "open story", Status: "In Progress", StatusCategory: "indeterminate",
			StoryPoints: 3, Created: created,
		},
		{
			ID: key(3), Key: key(3), ProjectKey: project, Type: "Bug",
			Summary: "fixed bug", Status: "Done", StatusCategory: "done",
			StoryPoints: 1, Created: created, Resolved: sp.StartDate.AddDate(0, 0, 3),
		},
	}
}
