package backfill

import (
	"sort"

	"github.com/brez-sync/internal/metrics"
	"github.com/brez-sync/internal/models"
)

// Default planner values
const (
	DefaultThreshold       = 3
	DefaultCriticalGapDays = 2
)

// Plan is a backfill decision
type Plan struct {
	ShouldBackfill   bool             `json:"shouldBackfill"`
	Forced           bool             `json:"forced"`
	TotalMissingDays int              `json:"totalMissingDays"`
	CriticalGaps     []models.DataGap `json:"criticalGaps"`
	// Gaps is the execution order: critical gaps first, largest first, then
	// the rest chronologically. Empty when no backfill is warranted.
	Gaps []models.DataGap `json:"gaps"`
}

// PlannerConfig holds configuration for the planner
type PlannerConfig struct {
	// Threshold is the number of missing days that must be exceeded. Default: 3.
	Threshold int
	// CriticalGapDays is the minimum length of a critical gap. Default: 2.
	CriticalGapDays int
}

// Planner decides whether gaps warrant a backfill
type Planner struct {
	threshold       int
	criticalGapDays int
}

// NewPlanner creates a planner; a nil config uses defaults
func NewPlanner(cfg *PlannerConfig) *Planner {
	p := &Planner{threshold: DefaultThreshold, criticalGapDays: DefaultCriticalGapDays}
	if cfg != nil {
		if cfg.Threshold > 0 {
			p.threshold = cfg.Threshold
		}
		if cfg.CriticalGapDays > 0 {
			p.criticalGapDays = cfg.CriticalGapDays
		}
	}
	return p
}

// PlanBackfill backfills when the total missing days exceed the threshold or
// when forced. Smaller totals are treated as noise.
func (p *Planner) PlanBackfill(gaps []models.DataGap, force bool) Plan {
	plan := Plan{Forced: force}
	for _, g := range gaps {
		plan.TotalMissingDays += g.Days
	}
	if plan.TotalMissingDays == 0 {
		metrics.BackfillDecisionsTotal.WithLabelValues("no_gaps").Inc()
		return plan
	}

	plan.ShouldBackfill = force || plan.TotalMissingDays > p.threshold
	if !plan.ShouldBackfill {
		metrics.BackfillDecisionsTotal.WithLabelValues("below_threshold").Inc()
		return plan
	}

	var rest []models.DataGap
	for _, g := range gaps {
		if force || g.Days >= p.criticalGapDays {
			plan.CriticalGaps = append(plan.CriticalGaps, g)
		} else {
			rest = append(rest, g)
		}
	}
	sort.SliceStable(plan.CriticalGaps, func(i, j int) bool { return plan.CriticalGaps[i].Days > plan.CriticalGaps[j].Days })
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Start.Before(rest[j].Start) })
	plan.Gaps = append(append(plan.Gaps, plan.CriticalGaps...), rest...)

	if force {
		metrics.BackfillDecisionsTotal.WithLabelValues("forced").Inc()
	} else {
		metrics.BackfillDecisionsTotal.WithLabelValues("backfill").Inc()
	}
	return plan
}
