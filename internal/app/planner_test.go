package app

import (
	"testing"
	"time"

	velocity "github.com/eugener/velocity/internal"
)

func TestSplitPolicy_Plan(t *testing.T) {
	t.Parallel()
	auto := DefaultSplitPolicy()
	auto.Auto = true
	auto.LoadInFlight = 4
	end := day("2026-03-31")

	tests := []struct {
		name       string
		policy     SplitPolicy
		in         PlanInput
		wantReason string
		wantDays   int
	}{
		{"explicit", DefaultSplitPolicy(), PlanInput{RangeDays: 90, Explicit: true}, SplitExplicit, 14},
		{"recent-split mode", DefaultSplitPolicy(), PlanInput{RangeDays: 90, PreviewMode: velocity.ModeRecentSplit}, SplitExplicit, 14},
		{"explicit override", DefaultSplitPolicy(), PlanInput{RangeDays: 90, Explicit: true, SplitDays: 30}, SplitExplicit, 30},
		{"override capped", DefaultSplitPolicy(), PlanInput{RangeDays: 90, Explicit: true, SplitDays: 400}, SplitExplicit, 60},
		{"manual policy ignores range", DefaultSplitPolicy(), PlanInput{RangeDays: 90, ProjectCount: 9}, "", 0},
		{"short range", auto, PlanInput{RangeDays: 14, ProjectCount: 1}, "", 0},
		{"long range", auto, PlanInput{RangeDays: 15, ProjectCount: 1}, SplitRange, 14},
		{"heavy projects", auto, PlanInput{RangeDays: 14, ProjectCount: 5}, SplitProjects, 14},
		{"predictability", auto, PlanInput{RangeDays: 14, ProjectCount: 3, HeavyOptions: true}, SplitPredictability, 14},
		{"load", auto, PlanInput{RangeDays: 7, ProjectCount: 1, InFlight: 4}, SplitLoad, 14},
		{"load below threshold", auto, PlanInput{RangeDays: 7, ProjectCount: 1, InFlight: 3}, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.in.WindowEnd = end
			got := tt.policy.Plan(tt.in)
			if got.Reason != tt.wantReason || got.ShouldSplit != (tt.wantReason != "") {
				t.Fatalf("plan = %+v, want reason %q", got, tt.wantReason)
			}
			if !got.ShouldSplit {
				return
			}
			if got.SplitDays != tt.wantDays {
				t.Errorf("splitDays = %d, want %d", got.SplitDays, tt.wantDays)
			}
			if want := end.AddDate(0, 0, -tt.wantDays); !got.CutoffDate.Equal(want) {
				t.Errorf("cutoff = %s, want %s", got.CutoffDate, want)
			}
		})
	}
}

func TestPlan_Live(t *testing.T) {
	t.Parallel()
	cutoff := day("2026-03-17")
	plan := Plan{ShouldSplit: true, CutoffDate: cutoff, SplitDays: 14, Reason: SplitExplicit}
	closed := func(end time.Time) velocity.Sprint {
		return velocity.Sprint{State: velocity.SprintClosed, EndDate: end, CompleteDate: end}
	}

	tests := []struct {
		name   string
		plan   Plan
		sprint velocity.Sprint
		want   bool
	}{
		{"no split", Plan{}, closed(day("2025-01-01")), true},
		{"open sprint", plan, velocity.Sprint{State: velocity.SprintActive, EndDate: day("2026-01-01")}, true},
		{"ends on cutoff", plan, closed(cutoff), true},
		{"ends after cutoff", plan, closed(cutoff.AddDate(0, 0, 1)), true},
		{"ends before cutoff", plan, closed(cutoff.AddDate(0, 0, -1)), false},
		{"no end date", plan, velocity.Sprint{State: velocity.SprintClosed}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.plan.Live(tt.sprint); got != tt.want {
				t.Errorf("Live = %v, want %v", got, tt.want)
			}
		})
	}
}
