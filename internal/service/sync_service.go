package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/ratelimit"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// Default sync windows
const (
	DefaultRecentDays   = 3
	DefaultHistoryDays  = 365
	DefaultLookbackDays = 30
)

// ConnectionRepository interface for platform connection operations
type ConnectionRepository interface {
	Upsert(ctx context.Context, c *models.PlatformConnection) error
	Get(ctx context.Context, id uuid.UUID) (*models.PlatformConnection, error)
	GetByPlatform(ctx context.Context, tenantID string, platform types.Platform) (*models.PlatformConnection, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*models.PlatformConnection, error)
	ListActive(ctx context.Context, limit, offset int) ([]*models.PlatformConnection, error)
	UpdateSyncStatus(ctx context.Context, id uuid.UUID, status types.SyncStatus, progress int, lastSyncedAt *time.Time) error
	Revoke(ctx context.Context, tenantID string, platform types.Platform) error
}

// JobQueue interface for the sync job queue
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.SyncJob) error
	FindOpen(ctx context.Context, tenantID string, platform types.Platform, kind types.JobKind) (*models.SyncJob, error)
}

// DataPurger deletes derived rows of a tenant/platform
type DataPurger interface {
	Purge(ctx context.Context, tenantID string, platform types.Platform) (int64, error)
}

// CoverageStore deletes the per-day sync ledger of a tenant/platform
type CoverageStore interface {
	DeleteByPlatform(ctx context.Context, tenantID string, platform types.Platform) (int64, error)
}

// RateLimitReader exposes a tenant's cooldown state
type RateLimitReader interface {
	State(ctx context.Context, tenantID string) (ratelimit.State, error)
}

// SyncServiceConfig holds configuration for the sync service
type SyncServiceConfig struct {
	Connections ConnectionRepository
	Queue       JobQueue
	Ledger      *Ledger
	Facts       DataPurger
	Coverage    CoverageStore
	// RateLimits is optional; without it status carries no advisory
	RateLimits RateLimitReader
	// RecentDays is the window of a recent sync. Default: 3.
	RecentDays int
	// HistoryDays is how far back bulk exports reach. Default: 365.
	HistoryDays int
	// LookbackDays is the default backfill audit window. Default: 30.
	LookbackDays int
	Now          func() time.Time
}

// SyncService is the single entry point for triggering and observing syncs
type SyncService struct {
	conns        ConnectionRepository
	queue        JobQueue
	ledger       *Ledger
	facts        DataPurger
	coverage     CoverageStore
	rateLimits   RateLimitReader
	recentDays   int
	historyDays  int
	lookbackDays int
	now          func() time.Time
}

// NewSyncService creates a new sync service
func NewSyncService(cfg *SyncServiceConfig) (*SyncService, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Connections == nil || cfg.Queue == nil || cfg.Ledger == nil {
		return nil, errors.New("connections, queue and ledger are required")
	}
	if cfg.Facts == nil || cfg.Coverage == nil {
		return nil, errors.New("fact and coverage stores are required")
	}
	s := &SyncService{
		conns:        cfg.Connections,
		queue:        cfg.Queue,
		ledger:       cfg.Ledger,
		facts:        cfg.Facts,
		coverage:     cfg.Coverage,
		rateLimits:   cfg.RateLimits,
		recentDays:   cfg.RecentDays,
		historyDays:  cfg.HistoryDays,
		lookbackDays: cfg.LookbackDays,
		now:          cfg.Now,
	}
	if s.recentDays <= 0 {
		s.recentDays = DefaultRecentDays
	}
	if s.historyDays <= 0 {
		s.historyDays = DefaultHistoryDays
	}
	if s.lookbackDays <= 0 {
		s.lookbackDays = DefaultLookbackDays
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Input types

// SyncRequest represents a sync trigger
type SyncRequest struct {
	Scope types.SyncScope `json:"scope" validate:"required,oneof=recent full demographics backfill reconnect"`
	// Platform limits the request to one connection; empty means all
	Platform     types.Platform `json:"platform,omitempty" validate:"omitempty,oneof=meta shopify"`
	LookbackDays int            `json:"lookbackDays,omitempty" validate:"omitempty,min=1,max=730"`
	Force        bool           `json:"force,omitempty"`
	// Manual marks user-initiated requests, which outrank scheduled ones
	Manual bool `json:"-"`
}

// EnqueuedJob describes one job created or reused by RequestSync
type EnqueuedJob struct {
	JobID    uuid.UUID      `json:"jobId"`
	EtlJobID *uuid.UUID     `json:"etlJobId,omitempty"`
	Kind     types.JobKind  `json:"kind"`
	Platform types.Platform `json:"platform"`
	Existing bool           `json:"existing,omitempty"`
}

// SyncResponse lists the jobs a request resolved to
type SyncResponse struct {
	TenantID string          `json:"tenantId"`
	Scope    types.SyncScope `json:"scope"`
	Jobs     []EnqueuedJob   `json:"jobs"`
}

// RegisterConnectionInput represents a new or refreshed platform credential
type RegisterConnectionInput struct {
	TenantID          string         `json:"-" validate:"required,max=128"`
	Platform          types.Platform `json:"platform" validate:"required,oneof=meta shopify"`
	CredentialRef     string         `json:"credentialRef" validate:"required,max=512"`
	ExternalAccountID string         `json:"externalAccountId" validate:"max=256"`
}

type plannedJob struct {
	kind    types.JobKind
	entity  types.Entity
	payload models.JobPayload
}

// recentEntity is the ledger entity a recent sync reports under
func recentEntity(p types.Platform) types.Entity {
	if p == types.PlatformMeta {
		return types.EntityInsights
	}
	return types.EntityOrders
}

func (s *SyncService) recentRange() types.DateRange {
	today := types.Day(s.now())
	return types.NewDateRange(today.AddDate(0, 0, -(s.recentDays-1)), today)
}

func (s *SyncService) historyRange() types.DateRange {
	yesterday := types.Day(s.now()).AddDate(0, 0, -1)
	return types.NewDateRange(yesterday.AddDate(0, 0, -(s.historyDays-1)), yesterday)
}

// plan maps a scope onto the jobs one connection needs
func (s *SyncService) plan(conn *models.PlatformConnection, req SyncRequest) []plannedJob {
	recent := s.recentRange()
	history := s.historyRange()
	recentJob := plannedJob{
		kind:    types.KindRecentSync,
		entity:  recentEntity(conn.Platform),
		payload: models.JobPayload{DateRange: &recent, Manual: req.Manual},
	}

	switch req.Scope {
	case types.ScopeRecent:
		return []plannedJob{recentJob}
	case types.ScopeDemographics:
		if conn.Platform != types.PlatformMeta {
			return nil
		}
		return []plannedJob{{kind: types.KindDemographicsSync, entity: types.EntityDemographics, payload: models.JobPayload{DateRange: &recent}}}
	case types.ScopeFull:
		jobs := []plannedJob{recentJob}
		if conn.Platform == types.PlatformShopify {
			for _, kind := range []types.JobKind{types.KindBulkOrders, types.KindBulkCustomers, types.KindBulkProducts} {
				entity, _ := kind.BulkEntity()
				jobs = append(jobs, plannedJob{kind: kind, entity: entity, payload: models.JobPayload{DateRange: &history, Entity: entity}})
			}
		} else {
			jobs = append(jobs, plannedJob{kind: types.KindDemographicsSync, entity: types.EntityDemographics, payload: models.JobPayload{DateRange: &recent}})
		}
		return jobs
	case types.ScopeBackfill:
		lookback := req.LookbackDays
		if lookback <= 0 {
			lookback = s.lookbackDays
		}
		return []plannedJob{{kind: types.KindBackfill, entity: recentEntity(conn.Platform), payload: models.JobPayload{LookbackDays: lookback, Force: req.Force}}}
	case types.ScopeReconnect:
		return []plannedJob{{kind: types.KindFullReconnect, entity: recentEntity(conn.Platform), payload: models.JobPayload{Manual: req.Manual}}}
	}
	return nil
}

// RequestSync resolves a trigger into queued jobs, one ETL record per job.
// An open job of the same kind for the same connection is reused. While a
// reconnect holds a connection every request for it is rejected.
func (s *SyncService) RequestSync(ctx context.Context, tenantID string, req SyncRequest) (*SyncResponse, error) {
	if tenantID == "" {
		return nil, apperrors.NewValidationError("tenantId", "tenant id is required")
	}
	if !req.Scope.Valid() {
		return nil, apperrors.NewValidationError("scope", fmt.Sprintf("unknown scope %q", req.Scope))
	}
	if req.Platform != "" && !req.Platform.Valid() {
		return nil, apperrors.NewValidationError("platform", fmt.Sprintf("unknown platform %q", req.Platform))
	}

	conns, err := s.targetConnections(ctx, tenantID, req.Platform)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, conn := range conns {
		if conn.IsLocked(now) {
			return nil, apperrors.NewReconnectInProgressError(tenantID, conn.Platform)
		}
	}

	resp := &SyncResponse{TenantID: tenantID, Scope: req.Scope}
	for _, conn := range conns {
		for _, pj := range s.plan(conn, req) {
			job, err := s.enqueue(ctx, conn, pj, pj.kind != types.KindFullReconnect)
			if err != nil {
				return resp, err
			}
			resp.Jobs = append(resp.Jobs, *job)
		}
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tenantId": tenantID,
		"scope":    req.Scope,
		"platform": req.Platform,
		"jobs":     len(resp.Jobs),
		"manual":   req.Manual,
	}).Info("Sync requested")
	return resp, nil
}

func (s *SyncService) targetConnections(ctx context.Context, tenantID string, platform types.Platform) ([]*models.PlatformConnection, error) {
	if platform != "" {
		conn, err := s.conns.GetByPlatform(ctx, tenantID, platform)
		if err != nil {
			return nil, err
		}
		if !conn.IsActive() {
			return nil, apperrors.NewConflictError("CONNECTION_INACTIVE", fmt.Sprintf("%s connection is %s", platform, conn.Status))
		}
		return []*models.PlatformConnection{conn}, nil
	}
	all, err := s.conns.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	var active []*models.PlatformConnection
	for _, c := range all {
		if c.IsActive() {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return nil, apperrors.NewNotFoundError("active connection", tenantID)
	}
	return active, nil
}

// enqueue opens the ledger record and queues the job. Reconnects are never
// deduplicated against a running job: the lock arbitrates them.
func (s *SyncService) enqueue(ctx context.Context, conn *models.PlatformConnection, pj plannedJob, dedupe bool) (*EnqueuedJob, error) {
	if existing, err := s.queue.FindOpen(ctx, conn.TenantID, conn.Platform, pj.kind); err != nil {
		return nil, fmt.Errorf("failed to look up open %s job: %w", pj.kind, err)
	} else if existing != nil && (dedupe || existing.State == types.JobQueued) {
		return &EnqueuedJob{JobID: existing.ID, EtlJobID: existing.EtlJobID, Kind: pj.kind, Platform: conn.Platform, Existing: true}, nil
	}

	rec, err := s.ledger.Open(ctx, conn.TenantID, conn.Platform, pj.entity, pj.kind)
	if err != nil {
		return nil, err
	}
	job := models.NewSyncJob(conn.TenantID, conn.ID, conn.Platform, pj.kind)
	job.Payload = pj.payload
	job.EtlJobID = &rec.ID
	job.Exclusive = pj.kind == types.KindFullReconnect
	if err := s.queue.Enqueue(ctx, job); err != nil {
		if ferr := s.ledger.Fail(ctx, rec.ID, "failed to enqueue: "+err.Error()); ferr != nil {
			logging.FromContext(ctx).WithError(ferr).Warn("Failed to close orphaned etl record")
		}
		return nil, err
	}
	return &EnqueuedJob{JobID: job.ID, EtlJobID: job.EtlJobID, Kind: pj.kind, Platform: conn.Platform}, nil
}

// EnqueueRebuild queues the jobs that rebuild a wiped connection from the
// start of its history
func (s *SyncService) EnqueueRebuild(ctx context.Context, conn *models.PlatformConnection) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, pj := range s.plan(conn, SyncRequest{Scope: types.ScopeFull}) {
		job, err := s.enqueue(ctx, conn, pj, false)
		if err != nil {
			return ids, err
		}
		ids = append(ids, job.JobID)
	}
	if conn.Platform == types.PlatformMeta {
		// the ads platform has no bulk export; history comes in through backfill
		job, err := s.enqueue(ctx, conn, plannedJob{
			kind:    types.KindBackfill,
			entity:  types.EntityInsights,
			payload: models.JobPayload{LookbackDays: s.historyDays, Force: true},
		}, false)
		if err != nil {
			return ids, err
		}
		ids = append(ids, job.JobID)
	}
	return ids, nil
}

// RegisterConnection stores a credential and starts the initial full sync
func (s *SyncService) RegisterConnection(ctx context.Context, in RegisterConnectionInput) (*models.PlatformConnection, *SyncResponse, error) {
	conn := &models.PlatformConnection{
		TenantID:          in.TenantID,
		Platform:          in.Platform,
		CredentialRef:     in.CredentialRef,
		ExternalAccountID: in.ExternalAccountID,
		Status:            types.ConnectionActive,
	}
	if err := s.conns.Upsert(ctx, conn); err != nil {
		return nil, nil, fmt.Errorf("failed to store connection: %w", err)
	}
	resp, err := s.RequestSync(ctx, in.TenantID, SyncRequest{Scope: types.ScopeFull, Platform: in.Platform, Manual: true})
	if err != nil {
		return conn, nil, err
	}
	return conn, resp, nil
}

// DisconnectResult reports what a disconnect removed
type DisconnectResult struct {
	RowsPurged    int64 `json:"rowsPurged"`
	DaysCleared   int64 `json:"daysCleared"`
	RecordsPurged int64 `json:"recordsPurged"`
}

// Disconnect revokes a connection and purges everything derived from it
func (s *SyncService) Disconnect(ctx context.Context, tenantID string, platform types.Platform) (*DisconnectResult, error) {
	if err := s.conns.Revoke(ctx, tenantID, platform); err != nil {
		return nil, err
	}
	res := &DisconnectResult{}
	var err error
	if res.RowsPurged, err = s.facts.Purge(ctx, tenantID, platform); err != nil {
		return res, fmt.Errorf("failed to purge facts: %w", err)
	}
	if res.DaysCleared, err = s.coverage.DeleteByPlatform(ctx, tenantID, platform); err != nil {
		return res, fmt.Errorf("failed to clear coverage: %w", err)
	}
	if res.RecordsPurged, err = s.ledger.Purge(ctx, tenantID, platform); err != nil {
		return res, fmt.Errorf("failed to purge etl records: %w", err)
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tenantId":   tenantID,
		"platform":   platform,
		"rowsPurged": res.RowsPurged,
	}).Warn("Connection revoked and derived data purged")
	return res, nil
}
