package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ConnectionRepository persists platform connections and the reconnect lock
type ConnectionRepository struct {
	db *PostgresDB
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *PostgresDB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `id, tenant_id, platform, credential_ref, external_account_id, status,
	sync_status, sync_progress, last_synced_at, lock_holder, lock_expires_at, created_at, updated_at`

func scanConnection(row pgx.Row) (*models.PlatformConnection, error) {
	var c models.PlatformConnection
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Platform, &c.CredentialRef, &c.ExternalAccountID, &c.Status,
		&c.SyncStatus, &c.SyncProgress, &c.LastSyncedAt, &c.LockHolder, &c.LockExpiresAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConnectionRepository) list(ctx context.Context, query string, args ...any) ([]*models.PlatformConnection, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var out []*models.PlatformConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return out, nil
}

// Upsert registers a connection or refreshes its credentials. A revoked
// connection becomes active again.
func (r *ConnectionRepository) Upsert(ctx context.Context, c *models.PlatformConnection) error {
	query := `
		INSERT INTO platform_connections (
			id, tenant_id, platform, credential_ref, external_account_id, status,
			sync_status, sync_progress, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (tenant_id, platform) DO UPDATE SET
			credential_ref = EXCLUDED.credential_ref,
			external_account_id = EXCLUDED.external_account_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + connectionColumns

	now := time.Now().UTC()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = types.SyncIdle
	}
	saved, err := scanConnection(r.db.Pool().QueryRow(ctx, query,
		c.ID, c.TenantID, c.Platform, c.CredentialRef, c.ExternalAccountID, c.Status,
		c.SyncStatus, c.SyncProgress, now,
	))
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	*c = *saved
	return nil
}

// Get retrieves a connection by ID
func (r *ConnectionRepository) Get(ctx context.Context, id uuid.UUID) (*models.PlatformConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM platform_connections WHERE id = $1`
	c, err := scanConnection(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("connection", id.String())
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return c, nil
}

// GetByPlatform retrieves the tenant's connection for a platform
func (r *ConnectionRepository) GetByPlatform(ctx context.Context, tenantID string, platform types.Platform) (*models.PlatformConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM platform_connections WHERE tenant_id = $1 AND platform = $2`
	c, err := scanConnection(r.db.Pool().QueryRow(ctx, query, tenantID, platform))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("connection", tenantID+"/"+string(platform))
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return c, nil
}

// ListByTenant returns every connection of a tenant
func (r *ConnectionRepository) ListByTenant(ctx context.Context, tenantID string) ([]*models.PlatformConnection, error) {
	return r.list(ctx, `SELECT `+connectionColumns+`
		FROM platform_connections WHERE tenant_id = $1 ORDER BY platform`, tenantID)
}

// ListActive pages through active connections across tenants
func (r *ConnectionRepository) ListActive(ctx context.Context, limit, offset int) ([]*models.PlatformConnection, error) {
	return r.list(ctx, `SELECT `+connectionColumns+`
		FROM platform_connections WHERE status = 'active'
		ORDER BY tenant_id, platform
		LIMIT $1 OFFSET $2`, limit, offset)
}

// UpdateSyncStatus sets the dashboard status. A reconnecting connection is
// left alone until its lock is released.
func (r *ConnectionRepository) UpdateSyncStatus(ctx context.Context, id uuid.UUID, status types.SyncStatus, progress int, lastSyncedAt *time.Time) error {
	query := `
		UPDATE platform_connections
		SET sync_status = $2, sync_progress = $3,
			last_synced_at = COALESCE($4, last_synced_at), updated_at = NOW()
		WHERE id = $1 AND (sync_status <> 'reconnecting' OR $2 = 'reconnecting')
	`
	if _, err := r.db.Pool().Exec(ctx, query, id, status, progress, lastSyncedAt); err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	return nil
}

// AcquireReconnectLock is a compare-and-set on the connection row. It
// succeeds only when no unexpired lock is held.
func (r *ConnectionRepository) AcquireReconnectLock(ctx context.Context, tenantID string, platform types.Platform, holder string, now time.Time, ttl time.Duration) (bool, error) {
	query := `
		UPDATE platform_connections
		SET sync_status = 'reconnecting', lock_holder = $3, lock_expires_at = $5, updated_at = $4
		WHERE tenant_id = $1 AND platform = $2 AND status = 'active'
			AND (lock_holder IS NULL OR lock_expires_at IS NULL OR lock_expires_at <= $4)
	`
	result, err := r.db.Pool().Exec(ctx, query, tenantID, platform, holder, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to acquire reconnect lock: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ReleaseReconnectLock clears the lock if holder still owns it
func (r *ConnectionRepository) ReleaseReconnectLock(ctx context.Context, tenantID string, platform types.Platform, holder string, status types.SyncStatus) error {
	query := `
		UPDATE platform_connections
		SET sync_status = $4, lock_holder = NULL, lock_expires_at = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND platform = $2 AND lock_holder = $3
	`
	if _, err := r.db.Pool().Exec(ctx, query, tenantID, platform, holder, status); err != nil {
		return fmt.Errorf("failed to release reconnect lock: %w", err)
	}
	return nil
}

// Revoke marks the connection revoked
func (r *ConnectionRepository) Revoke(ctx context.Context, tenantID string, platform types.Platform) error {
	query := `
		UPDATE platform_connections
		SET status = 'revoked', sync_status = 'idle', sync_progress = 0,
			lock_holder = NULL, lock_expires_at = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND platform = $2
	`
	result, err := r.db.Pool().Exec(ctx, query, tenantID, platform)
	if err != nil {
		return fmt.Errorf("failed to revoke connection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("connection", tenantID+"/"+string(platform))
	}
	return nil
}
