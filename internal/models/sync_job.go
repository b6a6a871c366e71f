package models

import (
	"time"

	"github.com/brez-sync/internal/retry"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// Default queue policy values.
const (
	DefaultMaxAttempts    = 3
	DefaultBackoffInitial = 5 * time.Second
	DefaultBackoffMax     = 5 * time.Minute
	DefaultBackoffFactor  = 2.0
)

// DefaultBackoffPolicy starts at 5s and doubles up to 5 minutes
func DefaultBackoffPolicy() retry.Backoff {
	return retry.Backoff{
		Initial:    DefaultBackoffInitial,
		Max:        DefaultBackoffMax,
		Multiplier: DefaultBackoffFactor,
	}
}

// JobPayload carries kind-specific parameters
type JobPayload struct {
	DateRange       *types.DateRange `json:"dateRange,omitempty"`
	LookbackDays    int              `json:"lookbackDays,omitempty"`
	Entity          types.Entity     `json:"entity,omitempty"`
	BulkOperationID *uuid.UUID       `json:"bulkOperationId,omitempty"`
	PollAttempt     int              `json:"pollAttempt,omitempty"`
	Force           bool             `json:"force,omitempty"`
	Manual          bool             `json:"manual,omitempty"`
}

// SyncJob is a unit of work in the job queue
type SyncJob struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	TenantID     string         `json:"tenantId" db:"tenant_id"`
	ConnectionID uuid.UUID      `json:"connectionId" db:"connection_id"`
	Platform     types.Platform `json:"platform" db:"platform"`
	Kind         types.JobKind  `json:"kind" db:"kind"`
	Priority     int            `json:"priority" db:"priority"`
	State        types.JobState `json:"state" db:"state"`
	RunAt        time.Time      `json:"runAt" db:"run_at"`
	Attempts     int            `json:"attempts" db:"attempts"`
	MaxAttempts  int            `json:"maxAttempts" db:"max_attempts"`
	Backoff      retry.Backoff  `json:"backoff" db:"backoff"`
	StalledCount int            `json:"stalledCount" db:"stalled_count"`
	Deferrals    int            `json:"deferrals" db:"deferrals"`
	Exclusive    bool           `json:"exclusive" db:"exclusive"`
	EtlJobID     *uuid.UUID     `json:"etlJobId,omitempty" db:"etl_job_id"`
	Payload      JobPayload     `json:"payload" db:"payload"`
	LastError    *string        `json:"lastError,omitempty" db:"last_error"`
	LockedBy     *string        `json:"lockedBy,omitempty" db:"locked_by"`
	HeartbeatAt  *time.Time     `json:"heartbeatAt,omitempty" db:"heartbeat_at"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time      `json:"updatedAt" db:"updated_at"`
	FinishedAt   *time.Time     `json:"finishedAt,omitempty" db:"finished_at"`
}

// NewSyncJob creates a queued job with default retry policy. RunAt is left
// zero so the queue stamps it with its own clock.
func NewSyncJob(tenantID string, connectionID uuid.UUID, platform types.Platform, kind types.JobKind) *SyncJob {
	now := time.Now().UTC()
	return &SyncJob{
		ID:           uuid.New(),
		TenantID:     tenantID,
		ConnectionID: connectionID,
		Platform:     platform,
		Kind:         kind,
		State:        types.JobQueued,
		MaxAttempts:  DefaultMaxAttempts,
		Backoff:      DefaultBackoffPolicy(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// CanRetry reports whether another attempt is allowed after the current one failed
func (j *SyncJob) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// NextRetryDelay is the backoff delay after the current attempt count
func (j *SyncJob) NextRetryDelay() time.Duration {
	return j.Backoff.Delay(j.Attempts)
}

// LockKey identifies the tenant/platform pair the job touches
func (j *SyncJob) LockKey() string {
	return j.TenantID + ":" + string(j.Platform)
}
