package app

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	velocity "github.com/eugener/velocity/internal"
	"github.com/eugener/velocity/internal/ratelimit"
	"github.com/eugener/velocity/internal/report"
)

// Guard labels for upstream call kinds. Cooldowns are tracked per label.
const (
	LabelFields  = "fields"
	LabelBoards  = "boards"
	LabelSprints = "sprints"
	LabelIssues  = "issues"
)

type sprintUnit struct {
	board  velocity.Board
	sprint velocity.Sprint
}

type outcome int

const (
	outcomeLive outcome = iota
	outcomeCached
	outcomeSkipped
	outcomeFailed
)

type sprintResult struct {
	rows    []velocity.Row
	outcome outcome
	err     error
}

// fetch fills res.Rows for req. It returns an error only when the request
// must abort; every other failure is recorded on res as partial.
func (s *PreviewService) fetch(ctx context.Context, req velocity.PreviewRequest, start time.Time, res *velocity.PreviewResult) error {
	fields, err := ratelimit.Retry(ctx, s.guard, LabelFields, s.cfg.MaxAttempts, s.tracker.DiscoverFields)
	if err != nil {
		return s.discoveryFailed(ctx, "discover fields", err, res)
	}
	boards, err := ratelimit.Retry(ctx, s.guard, LabelBoards, s.cfg.MaxAttempts, func(ctx context.Context) ([]velocity.Board, error) {
		return s.tracker.DiscoverBoards(ctx, req.Scope.Projects)
	})
	if err != nil {
		return s.discoveryFailed(ctx, "discover boards", err, res)
	}

	units, err := s.listSprints(ctx, req, boards, res)
	if err != nil {
		return err
	}
	res.Meta.SprintsTotal = len(units)

	plan := s.cfg.Split.Plan(PlanInput{
		RangeDays:    req.Scope.Days(),
		Explicit:     req.Control.Split,
		PreviewMode:  req.Control.PreviewMode,
		ProjectCount: len(req.Scope.Projects),
		HeavyOptions: req.Options.Enabled(velocity.FlagPredictability),
		SplitDays:    req.Control.SplitDays,
		InFlight:     s.inflight.len(),
		WindowEnd:    req.Scope.WindowEnd,
	})
	if plan.ShouldSplit {
		res.Meta.Split = &velocity.SplitInfo{
			Reason:     plan.Reason,
			CutoffDate: plan.CutoffDate,
			SplitDays:  plan.SplitDays,
		}
	}

	if err := s.fetchChunks(ctx, req, start, fields, plan, units, res); err != nil {
		return err
	}
	if res.Meta.SprintsSkipped > 0 {
		markPartial(res, ReasonSkipped)
	}
	if res.Meta.SprintsFailed > 0 {
		markPartial(res, ReasonUpstream)
	}
	return nil
}

// discoveryFailed aborts on authentication errors and otherwise degrades
// to an empty partial result.
func (s *PreviewService) discoveryFailed(ctx context.Context, op string, err error, res *velocity.PreviewResult) error {
	if errors.Is(err, velocity.ErrUnauthorized) {
		return fmt.Errorf("%s: %w", op, err)
	}
	slog.LogAttrs(ctx, slog.LevelWarn, op+" failed",
		slog.String("request_id", velocity.RequestIDFromContext(ctx)),
		slog.String("error", err.Error()),
	)
	markPartial(res, ReasonDiscovery)
	return nil
}

// listSprints returns the deduplicated, non-future sprints of boards that
// overlap the request window, most recent first.
func (s *PreviewService) listSprints(ctx context.Context, req velocity.PreviewRequest, boards []velocity.Board, res *velocity.PreviewResult) ([]sprintUnit, error) {
	windowStart := req.Scope.WindowStart
	windowEnd := req.Scope.WindowEnd.AddDate(0, 0, 1).Add(-time.Nanosecond)

	seen := make(map[int64]struct{})
	var (
		units   []sprintUnit
		authErr error
		listed  int
		other   int
	)
	for _, b := range boards {
		sprints, err := ratelimit.Retry(ctx, s.guard, LabelSprints, s.cfg.MaxAttempts, func(ctx context.Context) ([]velocity.Sprint, error) {
			return s.tracker.FetchSprintsForBoard(ctx, b.ID)
		})
		if err != nil {
			if errors.Is(err, velocity.ErrUnauthorized) {
				if authErr == nil {
					authErr = fmt.Errorf("list sprints of board %d: %w", b.ID, err)
				}
			} else {
				other++
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "list sprints failed",
				slog.String("request_id", velocity.RequestIDFromContext(ctx)),
				slog.Int64("board_id", b.ID),
				slog.String("error", err.Error()),
			)
			markPartial(res, ReasonUpstream)
			continue
		}
		listed++
		for _, sp := range sprints {
			if sp.State == velocity.SprintFuture || !sp.Overlaps(windowStart, windowEnd) {
				continue
			}
			if _, dup := seen[sp.ID]; dup {
				continue
			}
			seen[sp.ID] = struct{}{}
			if sp.BoardID == 0 {
				sp.BoardID = b.ID
			}
			units = append(units, sprintUnit{board: b, sprint: sp})
		}
	}

	// Authentication aborts only when every board was refused.
	if authErr != nil && listed == 0 && other == 0 {
		return nil, authErr
	}

	slices.SortFunc(units, func(a, b sprintUnit) int {
		ae, be := a.sprint.End(), b.sprint.End()
		switch {
		case ae.IsZero() && !be.IsZero():
			return -1
		case !ae.IsZero() && be.IsZero():
			return 1
		}
		if c := be.Compare(ae); c != 0 {
			return c
		}
		return cmp.Compare(b.sprint.ID, a.sprint.ID)
	})
	return units, nil
}

// fetchChunks loads units in chunks of ChunkSize. The budget and the
// caller's context are checked before each chunk; loads already dispatched
// run to completion.
func (s *PreviewService) fetchChunks(ctx context.Context, req velocity.PreviewRequest, start time.Time, fields velocity.FieldMap, plan Plan, units []sprintUnit, res *velocity.PreviewResult) error {
	detached := context.WithoutCancel(ctx)
	for i := 0; i < len(units); i += s.cfg.ChunkSize {
		if ctx.Err() != nil {
			markPartial(res, ReasonCancelled)
			break
		}
		if s.now().Sub(start) >= s.cfg.Budget {
			markPartial(res, ReasonBudget)
			break
		}

		chunk := units[i:min(i+s.cfg.ChunkSize, len(units))]
		results := make([]sprintResult, len(chunk))
		var g errgroup.Group
		for j, u := range chunk {
			g.Go(func() error {
				results[j] = s.loadSprint(detached, req, fields, plan, u)
				return nil
			})
		}
		_ = g.Wait()

		var authErr error
		for _, r := range results {
			switch r.outcome {
			case outcomeLive:
				res.Meta.SprintsFetched++
			case outcomeCached:
				res.Meta.SprintsFromCache++
			case outcomeSkipped:
				res.Meta.SprintsSkipped++
			case outcomeFailed:
				res.Meta.SprintsFailed++
				if authErr == nil && errors.Is(r.err, velocity.ErrUnauthorized) {
					authErr = r.err
				}
			}
			res.Rows = append(res.Rows, r.rows...)
		}
		// Authentication failures abort only when nothing has succeeded.
		if authErr != nil && res.Meta.SprintsFetched+res.Meta.SprintsFromCache == 0 {
			return fmt.Errorf("fetch sprint issues: %w", authErr)
		}
	}
	sortRows(res.Rows)
	return nil
}

// loadSprint returns the rows of one sprint, from the sprint cache when the
// plan excludes it from live fetching.
func (s *PreviewService) loadSprint(ctx context.Context, req velocity.PreviewRequest, fields velocity.FieldMap, plan Plan, u sprintUnit) (r sprintResult) {
	defer func() {
		if p := recover(); p != nil {
			slog.LogAttrs(ctx, slog.LevelError, "sprint load panicked",
				slog.Int64("sprint_id", u.sprint.ID),
				slog.Any("panic", p),
			)
			r = sprintResult{outcome: outcomeFailed, err: fmt.Errorf("sprint %d: panic: %v", u.sprint.ID, p)}
		}
	}()

	key := sprintKey(u.board.ID, u.sprint.ID, req.Scope, req.Options)
	if !plan.Live(u.sprint) {
		if rows, ok := s.cachedRows(ctx, key); ok {
			return sprintResult{rows: rows, outcome: outcomeCached}
		}
		s.enqueueWarm(key, req, fields, u)
		return sprintResult{outcome: outcomeSkipped}
	}

	rows, err := s.fetchSprintRows(ctx, key, req, fields, u)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "fetch sprint failed",
			slog.String("request_id", velocity.RequestIDFromContext(ctx)),
			slog.Int64("sprint_id", u.sprint.ID),
			slog.String("error", err.Error()),
		)
		return sprintResult{outcome: outcomeFailed, err: err}
	}
	return sprintResult{rows: rows, outcome: outcomeLive}
}

// fetchSprintRows fetches the issues of one sprint, builds its rows and
// caches them. Closed sprints are cached for SprintTTL.
func (s *PreviewService) fetchSprintRows(ctx context.Context, key string, req velocity.PreviewRequest, fields velocity.FieldMap, u sprintUnit) ([]velocity.Row, error) {
	ctx, span := tracer.Start(ctx, "preview.sprint", trace.WithAttributes(
		attribute.Int64("sprint.id", u.sprint.ID),
		attribute.String("sprint.state", u.sprint.State),
	))
	defer span.End()

	issues, err := ratelimit.Retry(ctx, s.guard, LabelIssues, s.cfg.MaxAttempts, func(ctx context.Context) ([]velocity.Issue, error) {
		return s.tracker.FetchSprintIssues(ctx, u.sprint.ID, req.Scope, fields)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rows := make([]velocity.Row, 0, len(issues))
	for _, issue := range issues {
		if report.Keep(issue, req.Options) {
			rows = append(rows, report.BuildRow(issue, u.sprint, u.board, fields, req.Options))
		}
	}
	span.SetAttributes(attribute.Int("sprint.rows", len(rows)))

	if raw, err := json.Marshal(rows); err == nil {
		ttl := s.cfg.ResultTTL
		if !u.sprint.IsOpen() {
			ttl = s.cfg.SprintTTL
		}
		s.cache.Set(ctx, SprintNamespace, key, raw, ttl)
	}
	return rows, nil
}

func (s *PreviewService) cachedRows(ctx context.Context, key string) ([]velocity.Row, bool) {
	e, ok := s.cache.Get(ctx, SprintNamespace, key)
	if !ok {
		return nil, false
	}
	var rows []velocity.Row
	if err := json.Unmarshal(e.Value, &rows); err != nil {
		s.cache.Delete(ctx, SprintNamespace, key)
		return nil, false
	}
	return rows, true
}

// enqueueWarm schedules a background fetch of a sprint excluded by the
// split plan so a later request finds it cached.
func (s *PreviewService) enqueueWarm(key string, req velocity.PreviewRequest, fields velocity.FieldMap, u sprintUnit) {
	if s.tasks == nil {
		return
	}
	s.tasks.Enqueue(velocity.Task{
		ID: "warm:" + key,
		Run: func(ctx context.Context) error {
			_, err := s.fetchSprintRows(ctx, key, req, fields, u)
			return err
		},
	})
}

// sortRows orders rows by sprint end, sprint, then issue key.
func sortRows(rows []velocity.Row) {
	slices.SortStableFunc(rows, func(a, b velocity.Row) int {
		if c := a.SprintEnd.Compare(b.SprintEnd); c != 0 {
			return c
		}
		if c := cmp.Compare(a.SprintID, b.SprintID); c != 0 {
			return c
		}
		return cmp.Compare(a.IssueKey, b.IssueKey)
	})
}
