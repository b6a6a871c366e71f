package job

import (
	"context"
	"errors"
	"time"

	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// ErrJobNotFound is returned by stores for unknown ids.
var ErrJobNotFound = errors.New("job not found")

// ErrLostClaim is returned when a worker settles or heartbeats a job it no
// longer holds, because the job was reclaimed or already settled.
var ErrLostClaim = errors.New("job claim lost")

// Store persists sync jobs. The Postgres implementation lives in storage;
// MemoryStore serves tests and single-process mode.
type Store interface {
	Insert(ctx context.Context, job *models.SyncJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	// ClaimDue atomically moves up to limit queued jobs with run_at <= now to
	// active, ordered by priority desc then run_at, incrementing attempts.
	ClaimDue(ctx context.Context, workerID string, now time.Time, limit int) ([]*models.SyncJob, error)
	// Settle writes the mutable fields of a job that owner holds active. It
	// returns ErrLostClaim when the stored job is no longer active under owner.
	Settle(ctx context.Context, job *models.SyncJob, owner string) error
	// Heartbeat returns ErrLostClaim when workerID no longer holds the job.
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string, at time.Time) error
	// ListStalled returns active jobs whose heartbeat is older than before.
	ListStalled(ctx context.Context, before time.Time) ([]*models.SyncJob, error)
	// FindOpen returns a queued or active job of the kind for the tenant/platform, or nil.
	FindOpen(ctx context.Context, tenantID string, platform types.Platform, kind types.JobKind) (*models.SyncJob, error)
	// CountActive counts active non-exclusive jobs for the tenant/platform.
	CountActive(ctx context.Context, tenantID string, platform types.Platform) (int, error)
	CountByState(ctx context.Context) (map[types.JobState]int, error)
}
