package models

import (
	"time"

	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// BulkState is the poller's state for an external bulk export
type BulkState string

const (
	BulkCreated   BulkState = "created"
	BulkPolling   BulkState = "polling"
	BulkReady     BulkState = "ready"
	BulkIngesting BulkState = "ingesting"
	BulkCompleted BulkState = "completed"
	BulkFailed    BulkState = "failed"
	BulkAbandoned BulkState = "abandoned"
)

// IsTerminal reports whether no further transition is possible
func (s BulkState) IsTerminal() bool {
	return s == BulkCompleted || s == BulkFailed || s == BulkAbandoned
}

// BulkOperation tracks one long-running platform export
type BulkOperation struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	TenantID        string          `json:"tenantId" db:"tenant_id"`
	ConnectionID    uuid.UUID       `json:"connectionId" db:"connection_id"`
	Platform        types.Platform  `json:"platform" db:"platform"`
	ExternalID      string          `json:"externalId" db:"external_id"`
	Entity          types.Entity    `json:"entity" db:"entity"`
	DateRange       types.DateRange `json:"dateRange" db:"-"`
	State           BulkState       `json:"state" db:"state"`
	PollAttempts    int             `json:"pollAttempts" db:"poll_attempts"`
	MaxPollAttempts int             `json:"maxPollAttempts" db:"max_poll_attempts"`
	ResultURL       *string         `json:"-" db:"result_url"`
	ObjectCount     *int64          `json:"objectCount,omitempty" db:"object_count"`
	RowsIngested    int64           `json:"rowsIngested" db:"rows_ingested"`
	EtlJobID        *uuid.UUID      `json:"etlJobId,omitempty" db:"etl_job_id"`
	Error           *string         `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}
