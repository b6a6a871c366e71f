package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/metrics"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// DefaultReconnectLockTTL bounds how long a crashed reconnect can hold the lock
const DefaultReconnectLockTTL = 30 * time.Minute

// ReconnectLocks is the advisory lock on the connection row
type ReconnectLocks interface {
	GetByPlatform(ctx context.Context, tenantID string, platform types.Platform) (*models.PlatformConnection, error)
	AcquireReconnectLock(ctx context.Context, tenantID string, platform types.Platform, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseReconnectLock(ctx context.Context, tenantID string, platform types.Platform, holder string, status types.SyncStatus) error
}

// FactPurger wipes derived fact tables
type FactPurger interface {
	Purge(ctx context.Context, tenantID string, platform types.Platform) (int64, error)
}

// CoveragePurger wipes the per-day sync ledger
type CoveragePurger interface {
	DeleteByPlatform(ctx context.Context, tenantID string, platform types.Platform) (int64, error)
}

// Rebuilder enqueues the jobs that rebuild a wiped connection
type Rebuilder interface {
	EnqueueRebuild(ctx context.Context, conn *models.PlatformConnection) ([]uuid.UUID, error)
}

// ActiveJobCounter reports jobs still running against a connection
type ActiveJobCounter interface {
	ActiveJobs(ctx context.Context, tenantID string, platform types.Platform) (int, error)
}

// ReconnectConfig holds configuration for the reconnector
type ReconnectConfig struct {
	Locks ReconnectLocks
	// Jobs is checked after the lock is taken; the wipe waits for running
	// syncs of the same connection to settle.
	Jobs      ActiveJobCounter
	Facts     FactPurger
	Coverage  CoveragePurger
	Rebuilder Rebuilder
	// LockTTL default: 30m
	LockTTL time.Duration
	Now     func() time.Time
}

// Reconnector runs the wipe-then-rebuild cycle under the reconnect lock
type Reconnector struct {
	locks     ReconnectLocks
	jobs      ActiveJobCounter
	facts     FactPurger
	coverage  CoveragePurger
	rebuilder Rebuilder
	ttl       time.Duration
	now       func() time.Time
}

// ReconnectResult reports what a reconnect did
type ReconnectResult struct {
	RowsPurged  int64       `json:"rowsPurged"`
	DaysCleared int64       `json:"daysCleared"`
	JobIDs      []uuid.UUID `json:"jobIds"`
}

// NewReconnector creates a reconnector
func NewReconnector(cfg *ReconnectConfig) (*Reconnector, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Locks == nil || cfg.Jobs == nil || cfg.Facts == nil || cfg.Coverage == nil || cfg.Rebuilder == nil {
		return nil, errors.New("locks, jobs, purgers and rebuilder are required")
	}
	r := &Reconnector{
		locks:     cfg.Locks,
		jobs:      cfg.Jobs,
		facts:     cfg.Facts,
		coverage:  cfg.Coverage,
		rebuilder: cfg.Rebuilder,
		ttl:       cfg.LockTTL,
		now:       cfg.Now,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultReconnectLockTTL
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Reconnect takes the connection into the reconnecting state, wipes its
// derived data and enqueues the rebuild. A concurrent caller gets a
// RECONNECT_IN_PROGRESS conflict. While other jobs of the connection are
// still active the lock is given back and SYNC_JOBS_ACTIVE is returned.
func (r *Reconnector) Reconnect(ctx context.Context, tenantID string, platform types.Platform, holder string) (*ReconnectResult, error) {
	prev := types.SyncIdle
	if conn, err := r.locks.GetByPlatform(ctx, tenantID, platform); err == nil && conn.SyncStatus != types.SyncReconnecting {
		prev = conn.SyncStatus
	}

	ok, err := r.locks.AcquireReconnectLock(ctx, tenantID, platform, holder, r.now().UTC(), r.ttl)
	if err != nil {
		metrics.ReconnectsTotal.WithLabelValues(string(platform), "error").Inc()
		return nil, fmt.Errorf("failed to acquire reconnect lock: %w", err)
	}
	if !ok {
		metrics.ReconnectsTotal.WithLabelValues(string(platform), "conflict").Inc()
		return nil, apperrors.NewReconnectInProgressError(tenantID, platform)
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tenantId": tenantID,
		"platform": platform,
		"holder":   holder,
	})

	// the lock already stops new claims from starting; running ones must drain
	active, err := r.jobs.ActiveJobs(ctx, tenantID, platform)
	if err != nil || active > 0 {
		if rerr := r.release(ctx, tenantID, platform, holder, prev); rerr != nil {
			log.WithError(rerr).Error("Failed to release reconnect lock")
		}
		if err != nil {
			metrics.ReconnectsTotal.WithLabelValues(string(platform), "error").Inc()
			return nil, fmt.Errorf("failed to count active jobs: %w", err)
		}
		metrics.ReconnectsTotal.WithLabelValues(string(platform), "busy").Inc()
		log.WithField("activeJobs", active).Info("Reconnect waiting for active jobs to finish")
		return nil, apperrors.NewSyncJobsActiveError(tenantID, platform, active)
	}

	result, err := r.rebuild(ctx, tenantID, platform, log)

	status := types.SyncInProgress
	if err != nil {
		status = types.SyncFailed
	}
	if rerr := r.release(ctx, tenantID, platform, holder, status); rerr != nil {
		log.WithError(rerr).Error("Failed to release reconnect lock")
		if err == nil {
			err = fmt.Errorf("failed to release reconnect lock: %w", rerr)
		}
	}

	if err != nil {
		metrics.ReconnectsTotal.WithLabelValues(string(platform), "error").Inc()
		return result, err
	}
	metrics.ReconnectsTotal.WithLabelValues(string(platform), "success").Inc()
	log.WithFields(map[string]interface{}{
		"rowsPurged": result.RowsPurged,
		"jobs":       len(result.JobIDs),
	}).Info("Reconnect finished, rebuild enqueued")
	return result, nil
}

// release gives the lock back even when ctx is already cancelled
func (r *Reconnector) release(ctx context.Context, tenantID string, platform types.Platform, holder string, status types.SyncStatus) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return r.locks.ReleaseReconnectLock(rctx, tenantID, platform, holder, status)
}

func (r *Reconnector) rebuild(ctx context.Context, tenantID string, platform types.Platform, log *logging.Logger) (*ReconnectResult, error) {
	result := &ReconnectResult{}
	conn, err := r.locks.GetByPlatform(ctx, tenantID, platform)
	if err != nil {
		return result, err
	}

	log.Warn("Wiping derived data for full reconnect")
	if result.RowsPurged, err = r.facts.Purge(ctx, tenantID, platform); err != nil {
		return result, fmt.Errorf("failed to purge facts: %w", err)
	}
	if result.DaysCleared, err = r.coverage.DeleteByPlatform(ctx, tenantID, platform); err != nil {
		return result, fmt.Errorf("failed to clear coverage: %w", err)
	}
	log.WithFields(map[string]interface{}{
		"rowsPurged":  result.RowsPurged,
		"daysCleared": result.DaysCleared,
	}).Warn("Derived data wiped")

	if result.JobIDs, err = r.rebuilder.EnqueueRebuild(ctx, conn); err != nil {
		return result, fmt.Errorf("failed to enqueue rebuild: %w", err)
	}
	return result, nil
}
