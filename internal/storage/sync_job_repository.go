package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/brez-sync/internal/job"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SyncJobRepository is the Postgres job.Store. Claims use
// FOR UPDATE SKIP LOCKED so several worker processes can share the table.
type SyncJobRepository struct {
	db *PostgresDB
}

// NewSyncJobRepository creates a new sync job repository
func NewSyncJobRepository(db *PostgresDB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

var _ job.Store = (*SyncJobRepository)(nil)

const syncJobColumns = `id, tenant_id, connection_id, platform, kind, priority, state, run_at,
	attempts, max_attempts, backoff, stalled_count, deferrals, exclusive, etl_job_id,
	payload, last_error, locked_by, heartbeat_at, created_at, updated_at, finished_at`

func scanSyncJob(row pgx.Row) (*models.SyncJob, error) {
	var j models.SyncJob
	var backoff, payload []byte
	err := row.Scan(
		&j.ID, &j.TenantID, &j.ConnectionID, &j.Platform, &j.Kind, &j.Priority, &j.State, &j.RunAt,
		&j.Attempts, &j.MaxAttempts, &backoff, &j.StalledCount, &j.Deferrals, &j.Exclusive, &j.EtlJobID,
		&payload, &j.LastError, &j.LockedBy, &j.HeartbeatAt, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(backoff, &j.Backoff); err != nil {
		return nil, fmt.Errorf("failed to decode backoff for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func collectSyncJobs(rows pgx.Rows) ([]*models.SyncJob, error) {
	defer rows.Close()
	var out []*models.SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync jobs: %w", err)
	}
	return out, nil
}

// Insert creates a job row
func (r *SyncJobRepository) Insert(ctx context.Context, j *models.SyncJob) error {
	backoff, err := json.Marshal(j.Backoff)
	if err != nil {
		return fmt.Errorf("failed to encode backoff: %w", err)
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		INSERT INTO sync_jobs (` + syncJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22)
	`
	_, err = r.db.Pool().Exec(ctx, query,
		j.ID, j.TenantID, j.ConnectionID, j.Platform, j.Kind, j.Priority, j.State, j.RunAt,
		j.Attempts, j.MaxAttempts, backoff, j.StalledCount, j.Deferrals, j.Exclusive, j.EtlJobID,
		payload, j.LastError, j.LockedBy, j.HeartbeatAt, j.CreatedAt, j.UpdatedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID
func (r *SyncJobRepository) Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs WHERE id = $1`
	j, err := scanSyncJob(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return j, nil
}

// ClaimDue moves due jobs to active in one statement
func (r *SyncJobRepository) ClaimDue(ctx context.Context, workerID string, now time.Time, limit int) ([]*models.SyncJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		WITH due AS (
			SELECT id FROM sync_jobs
			WHERE state = 'queued' AND run_at <= $1
			ORDER BY priority DESC, run_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE sync_jobs j
		SET state = 'active', attempts = j.attempts + 1, locked_by = $3,
			heartbeat_at = $1, updated_at = $1
		FROM due
		WHERE j.id = due.id
		RETURNING ` + prefixed("j.", syncJobColumns)

	rows, err := r.db.Pool().Query(ctx, query, now, limit, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim sync jobs: %w", err)
	}
	jobs, err := collectSyncJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the CTE order
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		return jobs[a].RunAt.Before(jobs[b].RunAt)
	})
	return jobs, nil
}

// Settle writes the mutable fields of a job, but only while owner still
// holds the active claim
func (r *SyncJobRepository) Settle(ctx context.Context, j *models.SyncJob, owner string) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	query := `
		UPDATE sync_jobs
		SET priority = $2, state = $3, run_at = $4, attempts = $5, stalled_count = $6,
			deferrals = $7, etl_job_id = $8, payload = $9, last_error = $10, locked_by = $11,
			heartbeat_at = $12, updated_at = $13, finished_at = $14
		WHERE id = $1 AND state = 'active' AND locked_by = $15
	`
	result, err := r.db.Pool().Exec(ctx, query,
		j.ID, j.Priority, j.State, j.RunAt, j.Attempts, j.StalledCount,
		j.Deferrals, j.EtlJobID, payload, j.LastError, j.LockedBy,
		j.HeartbeatAt, j.UpdatedAt, j.FinishedAt, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrLost(ctx, j.ID)
	}
	return nil
}

func (r *SyncJobRepository) missingOrLost(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sync_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check sync job: %w", err)
	}
	if !exists {
		return job.ErrJobNotFound
	}
	return job.ErrLostClaim
}

// Heartbeat refreshes the heartbeat only while workerID still owns the job
func (r *SyncJobRepository) Heartbeat(ctx context.Context, id uuid.UUID, workerID string, at time.Time) error {
	query := `
		UPDATE sync_jobs SET heartbeat_at = $3
		WHERE id = $1 AND locked_by = $2 AND state = 'active'
	`
	result, err := r.db.Pool().Exec(ctx, query, id, workerID, at)
	if err != nil {
		return fmt.Errorf("failed to heartbeat sync job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrLost(ctx, id)
	}
	return nil
}

// ListStalled returns active jobs whose heartbeat is older than before
func (r *SyncJobRepository) ListStalled(ctx context.Context, before time.Time) ([]*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + `
		FROM sync_jobs
		WHERE state = 'active' AND (heartbeat_at IS NULL OR heartbeat_at < $1)
		ORDER BY heartbeat_at NULLS FIRST
	`
	rows, err := r.db.Pool().Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled jobs: %w", err)
	}
	return collectSyncJobs(rows)
}

// FindOpen returns a queued or active job of the kind, or nil
func (r *SyncJobRepository) FindOpen(ctx context.Context, tenantID string, platform types.Platform, kind types.JobKind) (*models.SyncJob, error) {
	query := `SELECT ` + syncJobColumns + `
		FROM sync_jobs
		WHERE tenant_id = $1 AND platform = $2 AND kind = $3 AND state IN ('queued', 'active')
		ORDER BY created_at
		LIMIT 1
	`
	j, err := scanSyncJob(r.db.Pool().QueryRow(ctx, query, tenantID, platform, kind))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find open job: %w", err)
	}
	return j, nil
}

// CountActive counts active non-exclusive jobs for the tenant/platform
func (r *SyncJobRepository) CountActive(ctx context.Context, tenantID string, platform types.Platform) (int, error) {
	query := `
		SELECT COUNT(*) FROM sync_jobs
		WHERE tenant_id = $1 AND platform = $2 AND state = 'active' AND NOT exclusive
	`
	var n int
	if err := r.db.Pool().QueryRow(ctx, query, tenantID, platform).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return n, nil
}

// CountByState returns job counts keyed by state
func (r *SyncJobRepository) CountByState(ctx context.Context) (map[types.JobState]int, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT state, COUNT(*) FROM sync_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[types.JobState]int)
	for rows.Next() {
		var state types.JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}
