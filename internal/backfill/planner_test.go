package backfill

import (
	"testing"

	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gap(platform types.Platform, start, end int) models.DataGap {
	return models.DataGap{Platform: platform, Start: march(start), End: march(end), Days: end - start + 1}
}

func TestPlanBackfill_Threshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		gaps      []models.DataGap
		force     bool
		want      bool
		total     int
	}{
		{"no gaps", 5, nil, false, false, 0},
		{"no gaps forced", 5, nil, true, false, 0},
		{"two days below five", 5, []models.DataGap{gap(types.PlatformMeta, 3, 3), gap(types.PlatformMeta, 6, 6)}, false, false, 2},
		{"two days forced", 5, []models.DataGap{gap(types.PlatformMeta, 3, 3), gap(types.PlatformMeta, 6, 6)}, true, true, 2},
		{"exactly at threshold", 3, []models.DataGap{gap(types.PlatformMeta, 1, 3)}, false, false, 3},
		{"above threshold", 5, []models.DataGap{gap(types.PlatformMeta, 1, 4), gap(types.PlatformShopify, 10, 11)}, false, true, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := NewPlanner(&PlannerConfig{Threshold: tt.threshold}).PlanBackfill(tt.gaps, tt.force)
			assert.Equal(t, tt.want, plan.ShouldBackfill)
			assert.Equal(t, tt.total, plan.TotalMissingDays)
			if !tt.want {
				assert.Empty(t, plan.Gaps)
			}
		})
	}
}

func TestPlanBackfill_CriticalGapsFirst(t *testing.T) {
	gaps := []models.DataGap{
		gap(types.PlatformMeta, 1, 1),
		gap(types.PlatformMeta, 3, 4),
		gap(types.PlatformShopify, 10, 14),
		gap(types.PlatformShopify, 20, 20),
	}
	plan := NewPlanner(&PlannerConfig{Threshold: 3, CriticalGapDays: 2}).PlanBackfill(gaps, false)
	require.True(t, plan.ShouldBackfill)
	assert.Equal(t, 9, plan.TotalMissingDays)
	assert.Equal(t, []models.DataGap{gaps[2], gaps[1]}, plan.CriticalGaps)
	assert.Equal(t, []models.DataGap{gaps[2], gaps[1], gaps[0], gaps[3]}, plan.Gaps)
}

func TestPlanBackfill_ForcedMakesEveryGapCritical(t *testing.T) {
	gaps := []models.DataGap{gap(types.PlatformMeta, 1, 1)}
	plan := NewPlanner(nil).PlanBackfill(gaps, true)
	assert.True(t, plan.Forced)
	assert.Equal(t, gaps, plan.CriticalGaps)
}
