package service

import (
	"context"
	"fmt"

	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// EtlJobRepository interface for ETL ledger persistence
type EtlJobRepository interface {
	Create(ctx context.Context, rec *models.EtlJobRecord) error
	Get(ctx context.Context, id uuid.UUID) (*models.EtlJobRecord, error)
	Update(ctx context.Context, rec *models.EtlJobRecord) error
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.EtlJobRecord, error)
	Latest(ctx context.Context, tenantID string, platform types.Platform, entity types.Entity) (*models.EtlJobRecord, error)
	DeleteByPlatform(ctx context.Context, tenantID string, platform types.Platform) (int64, error)
}

// Ledger is the user-visible record of every sync job's lifecycle
type Ledger struct {
	repo EtlJobRepository
}

// NewLedger creates a new ledger
func NewLedger(repo EtlJobRepository) *Ledger {
	return &Ledger{repo: repo}
}

// Open creates a queued record for a job about to be enqueued
func (l *Ledger) Open(ctx context.Context, tenantID string, platform types.Platform, entity types.Entity, kind types.JobKind) (*models.EtlJobRecord, error) {
	rec := models.NewEtlJobRecord(tenantID, platform, entity, kind)
	if err := l.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to open etl record: %w", err)
	}
	return rec, nil
}

// update loads, mutates and stores a record. Terminal records are left
// untouched so a late duplicate cannot reopen them.
func (l *Ledger) update(ctx context.Context, id uuid.UUID, fn func(rec *models.EtlJobRecord)) error {
	rec, err := l.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.IsTerminal() {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"etlJobId": id,
			"status":   rec.Status,
		}).Debug("Ignoring update to finished etl record")
		return nil
	}
	fn(rec)
	return l.repo.Update(ctx, rec)
}

// MarkRunning moves the record to running
func (l *Ledger) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return l.update(ctx, id, func(rec *models.EtlJobRecord) { rec.Start() })
}

// Progress records rows written so far
func (l *Ledger) Progress(ctx context.Context, id uuid.UUID, rows int64, total *int64) error {
	return l.update(ctx, id, func(rec *models.EtlJobRecord) {
		if rec.Status == types.EtlQueued {
			rec.Start()
		}
		rec.SetProgress(rows, total)
	})
}

// Complete finishes the record with its final row count
func (l *Ledger) Complete(ctx context.Context, id uuid.UUID, rows int64) error {
	return l.update(ctx, id, func(rec *models.EtlJobRecord) { rec.Complete(rows) })
}

// Fail finishes the record as failed
func (l *Ledger) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	return l.update(ctx, id, func(rec *models.EtlJobRecord) { rec.Fail(msg) })
}

// Requeue puts the record back to queued while its job waits
func (l *Ledger) Requeue(ctx context.Context, id uuid.UUID, msg string) error {
	return l.update(ctx, id, func(rec *models.EtlJobRecord) { rec.Requeue(msg) })
}

// Get returns one record
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.EtlJobRecord, error) {
	return l.repo.Get(ctx, id)
}

// ListByTenant returns the tenant's most recent records
func (l *Ledger) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.EtlJobRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.repo.ListByTenant(ctx, tenantID, limit)
}

// Latest returns the newest record for an entity, or nil
func (l *Ledger) Latest(ctx context.Context, tenantID string, platform types.Platform, entity types.Entity) (*models.EtlJobRecord, error) {
	return l.repo.Latest(ctx, tenantID, platform, entity)
}

// Purge drops the tenant/platform records
func (l *Ledger) Purge(ctx context.Context, tenantID string, platform types.Platform) (int64, error) {
	return l.repo.DeleteByPlatform(ctx, tenantID, platform)
}
