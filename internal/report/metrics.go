package report

import (
	"cmp"
	"math"
	"slices"

	velocity "github.com/eugener/velocity/internal"
)

// SprintThroughput is the delivered work of one sprint.
type SprintThroughput struct {
	SprintID        int64   `json:"sprintId"`
	SprintName      string  `json:"sprintName"`
	Issues          int     `json:"issues"`
	Completed       int     `json:"completed"`
	Points          float64 `json:"points"`
	CompletedPoints float64 `json:"completedPoints"`
}

// ThroughputResult summarizes delivery per sprint.
type ThroughputResult struct {
	Sprints            []SprintThroughput `json:"sprints"`
	AvgCompleted       float64            `json:"avgCompleted"`
	AvgCompletedPoints float64            `json:"avgCompletedPoints"`
}

// Throughput counts completed issues and points per sprint, in sprint start order.
func Throughput(rows []velocity.Row) (ThroughputResult, error) {
	if len(rows) == 0 {
		return ThroughputResult{}, ErrInsufficientData
	}
	sprints := groupBySprint(rows)
	out := ThroughputResult{Sprints: make([]SprintThroughput, 0, len(sprints))}
	for _, g := range sprints {
		st := SprintThroughput{SprintID: g.id, SprintName: g.rows[0].SprintName}
		for _, r := range g.rows {
			st.Issues++
			st.Points += r.StoryPoints
			if r.Done {
				st.Completed++
				st.CompletedPoints += r.StoryPoints
			}
		}
		out.AvgCompleted += float64(st.Completed)
		out.AvgCompletedPoints += st.CompletedPoints
		out.Sprints = append(out.Sprints, st)
	}
	n := float64(len(out.Sprints))
	out.AvgCompleted = round2(out.AvgCompleted / n)
	out.AvgCompletedPoints = round2(out.AvgCompletedPoints / n)
	return out, nil
}

// ReworkResult is the share of delivered work spent on defects and redo.
type ReworkResult struct {
	Total     int                `json:"total"`
	Rework    int                `json:"rework"`
	Ratio     float64            `json:"ratio"`
	ByProject map[string]float64 `json:"byProject"`
}

// Rework computes the rework ratio overall and per project.
func Rework(rows []velocity.Row) (ReworkResult, error) {
	if len(rows) == 0 {
		return ReworkResult{}, ErrInsufficientData
	}
	type tally struct{ total, rework int }
	byProject := make(map[string]*tally)
	out := ReworkResult{ByProject: make(map[string]float64)}
	for _, r := range rows {
		t, ok := byProject[r.ProjectKey]
		if !ok {
			t = &tally{}
			byProject[r.ProjectKey] = t
		}
		t.total++
		out.Total++
		if r.Rework {
			t.rework++
			out.Rework++
		}
	}
	out.Ratio = round2(float64(out.Rework) / float64(out.Total))
	for p, t := range byProject {
		out.ByProject[p] = round2(float64(t.rework) / float64(t.total))
	}
	return out, nil
}

// SprintPredictability compares committed and delivered points of a closed sprint.
type SprintPredictability struct {
	SprintID  int64   `json:"sprintId"`
	Committed float64 `json:"committed"`
	Delivered float64 `json:"delivered"`
	Ratio     float64 `json:"ratio"`
}

// PredictabilityResult summarizes how reliably sprints deliver their commitment.
type PredictabilityResult struct {
	Sprints []SprintPredictability `json:"sprints"`
	Mean    float64                `json:"mean"`
	StdDev  float64                `json:"stdDev"`
}

// Predictability computes delivered/committed point ratios over closed
// sprints with a non-zero commitment.
func Predictability(rows []velocity.Row) (PredictabilityResult, error) {
	var out PredictabilityResult
	var ratios []float64
	for _, g := range groupBySprint(rows) {
		if g.rows[0].SprintState != velocity.SprintClosed {
			continue
		}
		sp := SprintPredictability{SprintID: g.id}
		for _, r := range g.rows {
			sp.Committed += r.StoryPoints
			if r.Done {
				sp.Delivered += r.StoryPoints
			}
		}
		if sp.Committed == 0 {
			continue
		}
		ratio := sp.Delivered / sp.Committed
		sp.Ratio = round2(ratio)
		ratios = append(ratios, ratio)
		out.Sprints = append(out.Sprints, sp)
	}
	if len(ratios) == 0 {
		return PredictabilityResult{}, ErrInsufficientData
	}
	mean, std := meanStdDev(ratios)
	out.Mean, out.StdDev = round2(mean), round2(std)
	return out, nil
}

// TimeToMarketResult summarizes lead time (created to resolved) in days.
type TimeToMarketResult struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P85    float64 `json:"p85"`
	Max    float64 `json:"max"`
}

// TimeToMarket computes lead time statistics of completed issues. Issues
// that appear in several sprints are counted once.
func TimeToMarket(rows []velocity.Row) (TimeToMarketResult, error) {
	seen := make(map[string]struct{})
	var days []float64
	for _, r := range rows {
		if !r.Done || r.LeadTimeDays <= 0 {
			continue
		}
		if _, dup := seen[r.IssueKey]; dup {
			continue
		}
		seen[r.IssueKey] = struct{}{}
		days = append(days, r.LeadTimeDays)
	}
	if len(days) == 0 {
		return TimeToMarketResult{}, ErrInsufficientData
	}
	slices.Sort(days)
	mean, _ := meanStdDev(days)
	return TimeToMarketResult{
		Count:  len(days),
		Mean:   round2(mean),
		Median: round2(percentile(days, 50)),
		P85:    round2(percentile(days, 85)),
		Max:    days[len(days)-1],
	}, nil
}

type sprintGroup struct {
	id    int64
	start int64
	rows  []velocity.Row
}

// groupBySprint groups rows by sprint, ordered by sprint start then ID.
func groupBySprint(rows []velocity.Row) []sprintGroup {
	idx := make(map[int64]int)
	var groups []sprintGroup
	for _, r := range rows {
		i, ok := idx[r.SprintID]
		if !ok {
			i = len(groups)
			idx[r.SprintID] = i
			groups = append(groups, sprintGroup{id: r.SprintID, start: r.SprintStart.Unix()})
		}
		groups[i].rows = append(groups[i].rows, r)
	}
	slices.SortFunc(groups, func(a, b sprintGroup) int {
		return cmp.Or(cmp.Compare(a.start, b.start), cmp.Compare(a.id, b.id))
	})
	return groups
}

func meanStdDev(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		std += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(std / float64(len(xs)))
}

// percentile returns the nearest-rank percentile of sorted xs.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	return sorted[max(0, min(rank-1, len(sorted)-1))]
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }
