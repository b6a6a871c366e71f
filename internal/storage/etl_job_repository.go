package storage

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EtlJobRepository persists the ETL ledger
type EtlJobRepository struct {
	db *PostgresDB
}

// NewEtlJobRepository creates a new ETL job repository
func NewEtlJobRepository(db *PostgresDB) *EtlJobRepository {
	return &EtlJobRepository{db: db}
}

const etlJobColumns = `id, tenant_id, platform, entity_name, job_type, status, rows_written,
	total_rows, progress_pct, error_message, started_at, completed_at, created_at, updated_at`

func scanEtlJob(row pgx.Row) (*models.EtlJobRecord, error) {
	var r models.EtlJobRecord
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Platform, &r.EntityName, &r.JobType, &r.Status, &r.RowsWritten,
		&r.TotalRows, &r.ProgressPct, &r.ErrorMessage, &r.StartedAt, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create inserts a ledger record
func (r *EtlJobRepository) Create(ctx context.Context, rec *models.EtlJobRecord) error {
	query := `
		INSERT INTO etl_job_records (` + etlJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Pool().Exec(ctx, query,
		rec.ID, rec.TenantID, rec.Platform, rec.EntityName, rec.JobType, rec.Status, rec.RowsWritten,
		rec.TotalRows, rec.ProgressPct, rec.ErrorMessage, rec.StartedAt, rec.CompletedAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create etl job record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID
func (r *EtlJobRepository) Get(ctx context.Context, id uuid.UUID) (*models.EtlJobRecord, error) {
	query := `SELECT ` + etlJobColumns + ` FROM etl_job_records WHERE id = $1`
	rec, err := scanEtlJob(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("etl job", id.String())
		}
		return nil, fmt.Errorf("failed to get etl job record: %w", err)
	}
	return rec, nil
}

// Update writes status, counters and timestamps
func (r *EtlJobRepository) Update(ctx context.Context, rec *models.EtlJobRecord) error {
	query := `
		UPDATE etl_job_records
		SET status = $2, rows_written = $3, total_rows = $4, progress_pct = $5,
			error_message = $6, started_at = $7, completed_at = $8, updated_at = $9
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query,
		rec.ID, rec.Status, rec.RowsWritten, rec.TotalRows, rec.ProgressPct,
		rec.ErrorMessage, rec.StartedAt, rec.CompletedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update etl job record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("etl job", rec.ID.String())
	}
	return nil
}

// ListByTenant returns the newest records first
func (r *EtlJobRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.EtlJobRecord, error) {
	query := `SELECT ` + etlJobColumns + `
		FROM etl_job_records
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list etl job records: %w", err)
	}
	defer rows.Close()

	var out []*models.EtlJobRecord
	for rows.Next() {
		rec, err := scanEtlJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan etl job record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Latest returns the newest record for a tenant/platform/entity, or nil
func (r *EtlJobRepository) Latest(ctx context.Context, tenantID string, platform types.Platform, entity types.Entity) (*models.EtlJobRecord, error) {
	query := `SELECT ` + etlJobColumns + `
		FROM etl_job_records
		WHERE tenant_id = $1 AND platform = $2 AND entity_name = $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	rec, err := scanEtlJob(r.db.Pool().QueryRow(ctx, query, tenantID, platform, entity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest etl job record: %w", err)
	}
	return rec, nil
}

// DeleteByPlatform removes ledger history for a disconnected platform
func (r *EtlJobRepository) DeleteByPlatform(ctx context.Context, tenantID string, platform types.Platform) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM etl_job_records WHERE tenant_id = $1 AND platform = $2`, tenantID, platform)
	if err != nil {
		return 0, fmt.Errorf("failed to delete etl job records: %w", err)
	}
	return result.RowsAffected(), nil
}
