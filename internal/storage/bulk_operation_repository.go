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

// BulkOperationRepository persists poller state for platform bulk exports
type BulkOperationRepository struct {
	db *PostgresDB
}

// NewBulkOperationRepository creates a new bulk operation repository
func NewBulkOperationRepository(db *PostgresDB) *BulkOperationRepository {
	return &BulkOperationRepository{db: db}
}

const bulkOperationColumns = `id, tenant_id, connection_id, platform, external_id, entity,
	range_start, range_end, state, poll_attempts, max_poll_attempts, result_url, object_count,
	rows_ingested, etl_job_id, error, created_at, updated_at`

func scanBulkOperation(row pgx.Row) (*models.BulkOperation, error) {
	var op models.BulkOperation
	err := row.Scan(
		&op.ID, &op.TenantID, &op.ConnectionID, &op.Platform, &op.ExternalID, &op.Entity,
		&op.DateRange.Start, &op.DateRange.End, &op.State, &op.PollAttempts, &op.MaxPollAttempts,
		&op.ResultURL, &op.ObjectCount, &op.RowsIngested, &op.EtlJobID, &op.Error,
		&op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Create inserts a bulk operation
func (r *BulkOperationRepository) Create(ctx context.Context, op *models.BulkOperation) error {
	query := `
		INSERT INTO bulk_operations (` + bulkOperationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := r.db.Pool().Exec(ctx, query,
		op.ID, op.TenantID, op.ConnectionID, op.Platform, op.ExternalID, op.Entity,
		op.DateRange.Start, op.DateRange.End, op.State, op.PollAttempts, op.MaxPollAttempts,
		op.ResultURL, op.ObjectCount, op.RowsIngested, op.EtlJobID, op.Error,
		op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create bulk operation: %w", err)
	}
	return nil
}

// Get retrieves a bulk operation by ID
func (r *BulkOperationRepository) Get(ctx context.Context, id uuid.UUID) (*models.BulkOperation, error) {
	query := `SELECT ` + bulkOperationColumns + ` FROM bulk_operations WHERE id = $1`
	op, err := scanBulkOperation(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("bulk operation", id.String())
		}
		return nil, fmt.Errorf("failed to get bulk operation: %w", err)
	}
	return op, nil
}

// Update writes the poller state of an operation
func (r *BulkOperationRepository) Update(ctx context.Context, op *models.BulkOperation) error {
	query := `
		UPDATE bulk_operations
		SET external_id = $2, state = $3, poll_attempts = $4, result_url = $5, object_count = $6,
			rows_ingested = $7, etl_job_id = $8, error = $9, updated_at = $10
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query,
		op.ID, op.ExternalID, op.State, op.PollAttempts, op.ResultURL, op.ObjectCount,
		op.RowsIngested, op.EtlJobID, op.Error, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update bulk operation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("bulk operation", op.ID.String())
	}
	return nil
}

// ListOpen returns non-terminal operations for a tenant/platform
func (r *BulkOperationRepository) ListOpen(ctx context.Context, tenantID string, platform types.Platform) ([]*models.BulkOperation, error) {
	query := `SELECT ` + bulkOperationColumns + `
		FROM bulk_operations
		WHERE tenant_id = $1 AND platform = $2 AND state NOT IN ('completed', 'failed', 'abandoned')
		ORDER BY created_at
	`
	rows, err := r.db.Pool().Query(ctx, query, tenantID, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulk operations: %w", err)
	}
	defer rows.Close()

	var out []*models.BulkOperation
	for rows.Next() {
		op, err := scanBulkOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bulk operation: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
