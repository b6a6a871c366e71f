package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/jackc/pgx/v5"
)

// CoverageRepository keeps the per-day sync ledger and the backfill chunk audit trail
type CoverageRepository struct {
	db *PostgresDB
}

// NewCoverageRepository creates a new coverage repository
func NewCoverageRepository(db *PostgresDB) *CoverageRepository {
	return &CoverageRepository{db: db}
}

// RecordSync marks every day of r as attempted. A day that once succeeded
// stays succeeded.
func (r *CoverageRepository) RecordSync(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange, rowsByDay map[time.Time]int64, succeeded bool, at time.Time) error {
	query := `
		INSERT INTO sync_days (tenant_id, platform, day, rows, succeeded, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, platform, day) DO UPDATE SET
			rows = GREATEST(sync_days.rows, EXCLUDED.rows),
			succeeded = sync_days.succeeded OR EXCLUDED.succeeded,
			attempted_at = EXCLUDED.attempted_at
	`
	batch := &pgx.Batch{}
	for _, day := range dr.Dates() {
		batch.Queue(query, tenantID, platform, day, rowsByDay[day], succeeded, at)
	}
	if batch.Len() == 0 {
		return nil
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer func() {
		_ = results.Close() // nolint:errcheck // error surfaced by Exec below
	}()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to record sync day: %w", err)
		}
	}
	return nil
}

// SyncDays returns the ledger rows inside dr keyed by day
func (r *CoverageRepository) SyncDays(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange) (map[time.Time]models.SyncDay, error) {
	query := `
		SELECT tenant_id, platform, day, rows, succeeded, attempted_at
		FROM sync_days
		WHERE tenant_id = $1 AND platform = $2 AND day BETWEEN $3 AND $4
	`
	rows, err := r.db.Pool().Query(ctx, query, tenantID, platform, dr.Start, dr.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync days: %w", err)
	}
	defer rows.Close()

	out := make(map[time.Time]models.SyncDay)
	for rows.Next() {
		var d models.SyncDay
		if err := rows.Scan(&d.TenantID, &d.Platform, &d.Date, &d.Rows, &d.Succeeded, &d.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync day: %w", err)
		}
		out[types.Day(d.Date)] = d
	}
	return out, rows.Err()
}

// DeleteByPlatform clears the ledger for a tenant/platform
func (r *CoverageRepository) DeleteByPlatform(ctx context.Context, tenantID string, platform types.Platform) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM sync_days WHERE tenant_id = $1 AND platform = $2`, tenantID, platform)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sync days: %w", err)
	}
	return result.RowsAffected(), nil
}

// RecordChunk appends a backfill chunk outcome
func (r *CoverageRepository) RecordChunk(ctx context.Context, o *models.BackfillChunkOutcome) error {
	query := `
		INSERT INTO backfill_chunks (
			tenant_id, platform, range_start, range_end, records_added, success, error,
			started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Pool().Exec(ctx, query,
		o.TenantID, o.Platform, o.Start, o.End, o.RecordsAdded, o.Success, o.Error,
		o.StartedAt, o.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record backfill chunk: %w", err)
	}
	return nil
}

// ListChunks returns the newest chunk outcomes for a tenant
func (r *CoverageRepository) ListChunks(ctx context.Context, tenantID string, limit int) ([]*models.BackfillChunkOutcome, error) {
	query := `
		SELECT tenant_id, platform, range_start, range_end, records_added, success, error,
			started_at, finished_at
		FROM backfill_chunks
		WHERE tenant_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list backfill chunks: %w", err)
	}
	defer rows.Close()

	var out []*models.BackfillChunkOutcome
	for rows.Next() {
		var o models.BackfillChunkOutcome
		if err := rows.Scan(&o.TenantID, &o.Platform, &o.Start, &o.End, &o.RecordsAdded, &o.Success,
			&o.Error, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backfill chunk: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}
