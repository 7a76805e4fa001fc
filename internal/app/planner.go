package app

import (
	"time"

	velocity "github.com/eugener/velocity/internal"
)

// Split reasons, in priority order.
const (
	SplitExplicit       = "explicit"
	SplitRange          = "range"
	SplitProjects       = "projects"
	SplitPredictability = "predictability"
	SplitLoad           = "load"
)

// SplitPolicy holds the split-window thresholds.
type SplitPolicy struct {
	// Auto applies the shape and load reasons, not just explicit requests.
	Auto bool

	ThresholdDays           int // default split threshold and recent-window size
	MaxSplitDays            int // cap for a caller-supplied split size
	HeavyProjects           int // project count that always splits
	ModerateProjects        int // project count that splits on long ranges
	LongRangeDays           int // range that makes ModerateProjects heavy
	PredictabilityRangeDays int // range that makes predictability heavy
	LoadInFlight            int // concurrent computations that force a split; 0 disables
}

// DefaultSplitPolicy returns the stock thresholds.
func DefaultSplitPolicy() SplitPolicy {
	return SplitPolicy{
		ThresholdDays:           14,
		MaxSplitDays:            60,
		HeavyProjects:           5,
		ModerateProjects:        3,
		LongRangeDays:           45,
		PredictabilityRangeDays: 30,
	}
}

// PlanInput is the request shape the planner decides on.
type PlanInput struct {
	RangeDays    int
	Explicit     bool
	PreviewMode  string
	ProjectCount int
	HeavyOptions bool // an expensive metric is requested
	SplitDays    int  // caller override of the threshold; 0 means default
	InFlight     int  // computations currently running in this process
	WindowEnd    time.Time
}

// Plan is a split-window decision.
type Plan struct {
	ShouldSplit bool
	CutoffDate  time.Time
	SplitDays   int
	Reason      string
}

// Plan decides whether to serve older sprints from cache only. The first
// matching reason wins. Without Auto only explicit requests split, since an
// automatic split over a cold sprint cache always yields a partial result.
func (p SplitPolicy) Plan(in PlanInput) Plan {
	threshold := p.ThresholdDays
	if in.SplitDays > 0 {
		threshold = min(in.SplitDays, p.MaxSplitDays)
	}

	var reason string
	switch {
	case in.Explicit || in.PreviewMode == velocity.ModeRecentSplit:
		reason = SplitExplicit
	case !p.Auto:
		return Plan{}
	case in.RangeDays > threshold:
		reason = SplitRange
	case in.ProjectCount >= p.HeavyProjects,
		in.ProjectCount >= p.ModerateProjects && in.RangeDays > p.LongRangeDays:
		reason = SplitProjects
	case in.HeavyOptions && (in.RangeDays > p.PredictabilityRangeDays || in.ProjectCount >= p.ModerateProjects):
		reason = SplitPredictability
	case p.LoadInFlight > 0 && in.InFlight >= p.LoadInFlight:
		reason = SplitLoad
	default:
		return Plan{}
	}
	return Plan{
		ShouldSplit: true,
		CutoffDate:  in.WindowEnd.AddDate(0, 0, -threshold),
		SplitDays:   threshold,
		Reason:      reason,
	}
}

// Live reports whether sprint must be fetched from the tracker under the
// plan: always without a split, and for open sprints, sprints without an
// end date, and sprints ending on or after the cutoff.
func (pl Plan) Live(s velocity.Sprint) bool {
	if !pl.ShouldSplit || s.IsOpen() {
		return true
	}
	end := s.End()
	return end.IsZero() || !end.Before(pl.CutoffDate)
}
