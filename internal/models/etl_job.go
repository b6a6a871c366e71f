package models

import (
	"time"

	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// EtlJobRecord is the queryable projection of a sync job's lifecycle
type EtlJobRecord struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TenantID     string          `json:"tenantId" db:"tenant_id"`
	Platform     types.Platform  `json:"platform" db:"platform"`
	EntityName   types.Entity    `json:"entityName" db:"entity_name"`
	JobType      types.JobKind   `json:"jobType" db:"job_type"`
	Status       types.EtlStatus `json:"status" db:"status"`
	RowsWritten  int64           `json:"rowsWritten" db:"rows_written"`
	TotalRows    *int64          `json:"totalRows,omitempty" db:"total_rows"`
	ProgressPct  int             `json:"progressPct" db:"progress_pct"`
	ErrorMessage *string         `json:"errorMessage,omitempty" db:"error_message"`
	StartedAt    *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time       `json:"updatedAt" db:"updated_at"`
}

// NewEtlJobRecord creates a queued ledger entry
func NewEtlJobRecord(tenantID string, platform types.Platform, entity types.Entity, kind types.JobKind) *EtlJobRecord {
	now := time.Now().UTC()
	return &EtlJobRecord{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Platform:   platform,
		EntityName: entity,
		JobType:    kind,
		Status:     types.EtlQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Start marks the record running; StartedAt is kept from the first attempt
func (r *EtlJobRecord) Start() {
	now := time.Now().UTC()
	r.Status = types.EtlRunning
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.UpdatedAt = now
}

// Complete marks the record completed with the final row count
func (r *EtlJobRecord) Complete(rows int64) {
	now := time.Now().UTC()
	r.Status = types.EtlCompleted
	r.RowsWritten = rows
	r.ProgressPct = 100
	r.ErrorMessage = nil
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Fail marks the record terminally failed
func (r *EtlJobRecord) Fail(msg string) {
	now := time.Now().UTC()
	r.Status = types.EtlFailed
	r.ErrorMessage = &msg
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Requeue puts the record back to queued while the job waits for a retry
func (r *EtlJobRecord) Requeue(msg string) {
	r.Status = types.EtlQueued
	if msg != "" {
		r.ErrorMessage = &msg
	}
	r.UpdatedAt = time.Now().UTC()
}

// SetProgress records rows written so far and derives a percentage when the total is known
func (r *EtlJobRecord) SetProgress(rows int64, total *int64) {
	r.RowsWritten = rows
	if total != nil {
		r.TotalRows = total
	}
	if r.TotalRows != nil && *r.TotalRows > 0 {
		pct := int(rows * 100 / *r.TotalRows)
		if pct > 99 {
			pct = 99
		}
		r.ProgressPct = pct
	}
	r.UpdatedAt = time.Now().UTC()
}

// IsTerminal reports whether the record reached completed or failed
func (r *EtlJobRecord) IsTerminal() bool {
	return r.Status == types.EtlCompleted || r.Status == types.EtlFailed
}
