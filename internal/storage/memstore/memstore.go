// Package memstore holds in-memory versions of the Postgres repositories for
// tests and single-process runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// Connections mirrors storage.ConnectionRepository
type Connections struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*models.PlatformConnection
}

// NewConnections creates an empty connection store
func NewConnections() *Connections {
	return &Connections{conns: make(map[uuid.UUID]*models.PlatformConnection)}
}

func cloneConn(c *models.PlatformConnection) *models.PlatformConnection {
	cp := *c
	return &cp
}

func (s *Connections) find(tenantID string, platform types.Platform) *models.PlatformConnection {
	for _, c := range s.conns {
		if c.TenantID == tenantID && c.Platform == platform {
			return c
		}
	}
	return nil
}

// Upsert inserts or refreshes a connection keyed by tenant/platform
func (s *Connections) Upsert(ctx context.Context, c *models.PlatformConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing := s.find(c.TenantID, c.Platform); existing != nil {
		existing.CredentialRef = c.CredentialRef
		existing.ExternalAccountID = c.ExternalAccountID
		existing.Status = c.Status
		existing.UpdatedAt = now
		*c = *cloneConn(existing)
		return nil
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SyncStatus == "" {
		c.SyncStatus = types.SyncIdle
	}
	c.CreatedAt, c.UpdatedAt = now, now
	s.conns[c.ID] = cloneConn(c)
	return nil
}

// Get retrieves a connection by ID
func (s *Connections) Get(ctx context.Context, id uuid.UUID) (*models.PlatformConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("connection", id.String())
	}
	return cloneConn(c), nil
}

// GetByPlatform retrieves the tenant's connection for a platform
func (s *Connections) GetByPlatform(ctx context.Context, tenantID string, platform types.Platform) (*models.PlatformConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(tenantID, platform)
	if c == nil {
		return nil, apperrors.NewNotFoundError("connection", tenantID+"/"+string(platform))
	}
	return cloneConn(c), nil
}

// ListByTenant returns the tenant's connections ordered by platform
func (s *Connections) ListByTenant(ctx context.Context, tenantID string) ([]*models.PlatformConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PlatformConnection
	for _, c := range s.conns {
		if c.TenantID == tenantID {
			out = append(out, cloneConn(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

// ListActive pages through active connections
func (s *Connections) ListActive(ctx context.Context, limit, offset int) ([]*models.PlatformConnection, error) {
	s.mu.Lock()
	var all []*models.PlatformConnection
	for _, c := range s.conns {
		if c.IsActive() {
			all = append(all, cloneConn(c))
		}
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].TenantID != all[j].TenantID {
			return all[i].TenantID < all[j].TenantID
		}
		return all[i].Platform < all[j].Platform
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// UpdateSyncStatus sets the dashboard status unless a reconnect owns it
func (s *Connections) UpdateSyncStatus(ctx context.Context, id uuid.UUID, status types.SyncStatus, progress int, lastSyncedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil
	}
	if c.SyncStatus == types.SyncReconnecting && status != types.SyncReconnecting {
		return nil
	}
	c.SyncStatus = status
	c.SyncProgress = progress
	if lastSyncedAt != nil {
		t := *lastSyncedAt
		c.LastSyncedAt = &t
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// AcquireReconnectLock is the compare-and-set used by full reconnect
func (s *Connections) AcquireReconnectLock(ctx context.Context, tenantID string, platform types.Platform, holder string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(tenantID, platform)
	if c == nil || !c.IsActive() || c.IsLocked(now) {
		return false, nil
	}
	exp := now.Add(ttl)
	h := holder
	c.LockHolder = &h
	c.LockExpiresAt = &exp
	c.SyncStatus = types.SyncReconnecting
	c.UpdatedAt = now
	return true, nil
}

// ReleaseReconnectLock clears the lock if holder owns it
func (s *Connections) ReleaseReconnectLock(ctx context.Context, tenantID string, platform types.Platform, holder string, status types.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(tenantID, platform)
	if c == nil || c.LockHolder == nil || *c.LockHolder != holder {
		return nil
	}
	c.LockHolder = nil
	c.LockExpiresAt = nil
	c.SyncStatus = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Revoke marks a connection revoked
func (s *Connections) Revoke(ctx context.Context, tenantID string, platform types.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(tenantID, platform)
	if c == nil {
		return apperrors.NewNotFoundError("connection", tenantID+"/"+string(platform))
	}
	c.Status = types.ConnectionRevoked
	c.SyncStatus = types.SyncIdle
	c.SyncProgress = 0
	c.LockHolder = nil
	c.LockExpiresAt = nil
	return nil
}

// EtlJobs mirrors storage.EtlJobRepository
type EtlJobs struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.EtlJobRecord
	order   []uuid.UUID
}

// NewEtlJobs creates an empty ledger
func NewEtlJobs() *EtlJobs {
	return &EtlJobs{records: make(map[uuid.UUID]*models.EtlJobRecord)}
}

func cloneEtl(r *models.EtlJobRecord) *models.EtlJobRecord {
	cp := *r
	return &cp
}

// Create inserts a record
func (s *EtlJobs) Create(ctx context.Context, rec *models.EtlJobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cloneEtl(rec)
	s.order = append(s.order, rec.ID)
	return nil
}

// Get retrieves a record by ID
func (s *EtlJobs) Get(ctx context.Context, id uuid.UUID) (*models.EtlJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("etl job", id.String())
	}
	return cloneEtl(r), nil
}

// Update replaces a record
func (s *EtlJobs) Update(ctx context.Context, rec *models.EtlJobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return apperrors.NewNotFoundError("etl job", rec.ID.String())
	}
	s.records[rec.ID] = cloneEtl(rec)
	return nil
}

// ListByTenant returns newest records first
func (s *EtlJobs) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.EtlJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.EtlJobRecord
	for i := len(s.order) - 1; i >= 0; i-- {
		r, ok := s.records[s.order[i]]
		if !ok || r.TenantID != tenantID {
			continue
		}
		out = append(out, cloneEtl(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Latest returns the newest record for the entity, or nil
func (s *EtlJobs) Latest(ctx context.Context, tenantID string, platform types.Platform, entity types.Entity) (*models.EtlJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		r, ok := s.records[s.order[i]]
		if ok && r.TenantID == tenantID && r.Platform == platform && r.EntityName == entity {
			return cloneEtl(r), nil
		}
	}
	return nil, nil
}

// DeleteByPlatform removes ledger history for a tenant/platform
func (s *EtlJobs) DeleteByPlatform(ctx context.Context, tenantID string, platform types.Platform) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.TenantID == tenantID && r.Platform == platform {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// BulkOperations mirrors storage.BulkOperationRepository
type BulkOperations struct {
	mu  sync.Mutex
	ops map[uuid.UUID]*models.BulkOperation
}

// NewBulkOperations creates an empty bulk operation store
func NewBulkOperations() *BulkOperations {
	return &BulkOperations{ops: make(map[uuid.UUID]*models.BulkOperation)}
}

// Create inserts an operation
func (s *BulkOperations) Create(ctx context.Context, op *models.BulkOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

// Get retrieves an operation by ID
func (s *BulkOperations) Get(ctx context.Context, id uuid.UUID) (*models.BulkOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("bulk operation", id.String())
	}
	cp := *op
	return &cp, nil
}

// Update replaces an operation
func (s *BulkOperations) Update(ctx context.Context, op *models.BulkOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return apperrors.NewNotFoundError("bulk operation", op.ID.String())
	}
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

// ListOpen returns non-terminal operations for a tenant/platform
func (s *BulkOperations) ListOpen(ctx context.Context, tenantID string, platform types.Platform) ([]*models.BulkOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BulkOperation
	for _, op := range s.ops {
		if op.TenantID == tenantID && op.Platform == platform && !op.State.IsTerminal() {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
