package models

import (
	"time"

	"github.com/brez-sync/internal/types"
)

// DataGap is a contiguous range of missing days for one platform
type DataGap struct {
	Platform types.Platform `json:"platform"`
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end"`
	Days     int            `json:"days"`
}

// Range returns the gap as a date range
func (g DataGap) Range() types.DateRange {
	return types.NewDateRange(g.Start, g.End)
}

// DayCoverage describes what is known about one tenant/platform day.
// Rows is the number of fact rows present; Attempted is set once a sync
// covering the day finished successfully, even if it wrote nothing.
type DayCoverage struct {
	Date      time.Time `json:"date"`
	Rows      int64     `json:"rows"`
	Attempted bool      `json:"attempted"`
}

// SyncDay is a ledger row marking a day as synced
type SyncDay struct {
	TenantID    string         `db:"tenant_id"`
	Platform    types.Platform `db:"platform"`
	Date        time.Time      `db:"day"`
	Rows        int64          `db:"rows"`
	Succeeded   bool           `db:"succeeded"`
	AttemptedAt time.Time      `db:"attempted_at"`
}

// BackfillChunkOutcome is the audit record for one backfill chunk
type BackfillChunkOutcome struct {
	TenantID     string         `json:"tenantId" db:"tenant_id"`
	Platform     types.Platform `json:"platform" db:"platform"`
	Start        time.Time      `json:"start" db:"range_start"`
	End          time.Time      `json:"end" db:"range_end"`
	RecordsAdded int64          `json:"recordsAdded" db:"records_added"`
	Success      bool           `json:"success" db:"success"`
	Error        *string        `json:"error,omitempty" db:"error"`
	StartedAt    time.Time      `json:"startedAt" db:"started_at"`
	FinishedAt   time.Time      `json:"finishedAt" db:"finished_at"`
}
