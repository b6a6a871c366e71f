package models

import (
	"time"

	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// PlatformConnection is one tenant's link to an external platform
type PlatformConnection struct {
	ID                uuid.UUID              `json:"id" db:"id"`
	TenantID          string                 `json:"tenantId" db:"tenant_id"`
	Platform          types.Platform         `json:"platform" db:"platform"`
	CredentialRef     string                 `json:"-" db:"credential_ref"`
	ExternalAccountID string                 `json:"externalAccountId" db:"external_account_id"`
	Status            types.ConnectionStatus `json:"status" db:"status"`
	SyncStatus        types.SyncStatus       `json:"syncStatus" db:"sync_status"`
	SyncProgress      int                    `json:"syncProgress" db:"sync_progress"`
	LastSyncedAt      *time.Time             `json:"lastSyncedAt,omitempty" db:"last_synced_at"`
	LockHolder        *string                `json:"-" db:"lock_holder"`
	LockExpiresAt     *time.Time             `json:"-" db:"lock_expires_at"`
	CreatedAt         time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time              `json:"updatedAt" db:"updated_at"`
}

// IsActive reports whether the connection may be synced
func (c *PlatformConnection) IsActive() bool {
	return c.Status == types.ConnectionActive
}

// IsLocked reports whether a reconnect currently holds the connection at now
func (c *PlatformConnection) IsLocked(now time.Time) bool {
	return c.LockHolder != nil && c.LockExpiresAt != nil && now.Before(*c.LockExpiresAt)
}
