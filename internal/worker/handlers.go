package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brez-sync/internal/backfill"
	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// Default handler windows
const (
	DefaultRecentDays   = 3
	DefaultHistoryDays  = 365
	DefaultLookbackDays = 30
)

// ConnectionGetter loads a job's connection
type ConnectionGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*models.PlatformConnection, error)
}

// BulkSubmitter starts a bulk export and hands it to the poller
type BulkSubmitter interface {
	Submit(ctx context.Context, conn *models.PlatformConnection, entity types.Entity, dr types.DateRange, etlJobID *uuid.UUID) (*models.BulkOperation, error)
	Poll(ctx context.Context, job *models.SyncJob) (*models.BulkOperation, error)
}

// GapDetector finds missing day ranges for a tenant
type GapDetector interface {
	DetectGaps(ctx context.Context, tenantID string, lookbackDays int) ([]models.DataGap, error)
}

// BackfillExecutor runs a backfill plan
type BackfillExecutor interface {
	Execute(ctx context.Context, tenantID string, plan backfill.Plan) (*backfill.Result, error)
}

// Reconnector wipes and rebuilds one connection
type Reconnector interface {
	Reconnect(ctx context.Context, tenantID string, platform types.Platform, holder string) (*backfill.ReconnectResult, error)
}

// HandlersConfig holds the collaborators of the job handlers. Components
// left nil leave their job kinds unregistered.
type HandlersConfig struct {
	Connections ConnectionGetter
	Syncer      *RangeSyncer
	Meta        MetaAPI
	Shopify     ShopifyAPI
	Facts       FactWriter
	Bulk        BulkSubmitter
	Detector    GapDetector
	Planner     *backfill.Planner
	Executor    BackfillExecutor
	Reconnector Reconnector
	RecentDays  int
	HistoryDays int
	Now         func() time.Time
}

// Handlers implements every job kind
type Handlers struct {
	cfg HandlersConfig
}

// NewHandlers creates the job handlers
func NewHandlers(cfg *HandlersConfig) (*Handlers, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Connections == nil {
		return nil, errors.New("connections are required")
	}
	c := *cfg
	if c.RecentDays <= 0 {
		c.RecentDays = DefaultRecentDays
	}
	if c.HistoryDays <= 0 {
		c.HistoryDays = DefaultHistoryDays
	}
	if c.Planner == nil {
		c.Planner = backfill.NewPlanner(nil)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Handlers{cfg: c}, nil
}

// Register binds the handlers whose collaborators are configured
func (h *Handlers) Register(reg *Registry) {
	if h.cfg.Syncer != nil {
		reg.Register(types.KindRecentSync, HandlerFunc(h.RecentSync))
	}
	if h.cfg.Bulk != nil {
		for _, kind := range []types.JobKind{types.KindBulkOrders, types.KindBulkCustomers, types.KindBulkProducts} {
			reg.Register(kind, HandlerFunc(h.BulkEntity))
		}
		reg.Register(types.KindPollBulk, HandlerFunc(h.PollBulk))
	}
	if h.cfg.Meta != nil && h.cfg.Facts != nil {
		reg.Register(types.KindDemographicsSync, HandlerFunc(h.Demographics))
	}
	if h.cfg.Detector != nil && h.cfg.Executor != nil {
		reg.Register(types.KindBackfill, HandlerFunc(h.Backfill))
	}
	if h.cfg.Reconnector != nil {
		reg.Register(types.KindFullReconnect, HandlerFunc(h.Reconnect))
	}
}

func (h *Handlers) recentRange() types.DateRange {
	today := types.Day(h.cfg.Now())
	return types.NewDateRange(today.AddDate(0, 0, -(h.cfg.RecentDays-1)), today)
}

func (h *Handlers) historyRange() types.DateRange {
	yesterday := types.Day(h.cfg.Now()).AddDate(0, 0, -1)
	return types.NewDateRange(yesterday.AddDate(0, 0, -(h.cfg.HistoryDays-1)), yesterday)
}

func rangeOr(p *types.DateRange, def types.DateRange) types.DateRange {
	if p != nil {
		return *p
	}
	return def
}

// RecentSync pulls the last days of day-keyed facts, then the campaign tree
// for ads or recently updated customers for commerce
func (h *Handlers) RecentSync(ctx context.Context, job *models.SyncJob) (Result, error) {
	conn, err := h.cfg.Connections.Get(ctx, job.ConnectionID)
	if err != nil {
		return Result{}, err
	}
	dr := rangeOr(job.Payload.DateRange, h.recentRange())

	rows, err := h.cfg.Syncer.SyncRange(ctx, conn, dr)
	if err != nil {
		return Result{}, err
	}

	extra := &models.FactBatch{}
	switch {
	case conn.Platform == types.PlatformMeta && h.cfg.Meta != nil:
		if extra.Campaigns, err = h.cfg.Meta.FetchCampaignTree(ctx, conn); err != nil {
			return Result{}, err
		}
	case conn.Platform == types.PlatformShopify && h.cfg.Shopify != nil:
		if extra.Customers, err = h.cfg.Shopify.FetchCustomers(ctx, conn, dr.Start); err != nil {
			return Result{}, err
		}
	}
	if extra.Len() > 0 && h.cfg.Facts != nil {
		n, err := h.cfg.Facts.Write(ctx, extra)
		if err != nil {
			return Result{}, fmt.Errorf("failed to write facts: %w", err)
		}
		countRows(conn.Platform, extra)
		rows += n
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"range": dr.String(),
		"rows":  rows,
	}).Info("Recent sync finished")
	return Result{Rows: rows}, nil
}

// Demographics pulls the age and gender breakdown of the ads account
func (h *Handlers) Demographics(ctx context.Context, job *models.SyncJob) (Result, error) {
	if job.Platform != types.PlatformMeta {
		return Result{}, apperrors.NewPermanentError("UNSUPPORTED_SCOPE", fmt.Sprintf("demographics are not available for %s", job.Platform), nil)
	}
	conn, err := h.cfg.Connections.Get(ctx, job.ConnectionID)
	if err != nil {
		return Result{}, err
	}
	rows, err := h.cfg.Meta.FetchDemographics(ctx, conn, rangeOr(job.Payload.DateRange, h.recentRange()))
	if err != nil {
		return Result{}, err
	}
	batch := &models.FactBatch{Demographics: rows}
	n, err := h.cfg.Facts.Write(ctx, batch)
	if err != nil {
		return Result{}, fmt.Errorf("failed to write facts: %w", err)
	}
	countRows(conn.Platform, batch)
	return Result{Rows: n}, nil
}

// BulkEntity submits a bulk export; the poller finishes the ETL record
func (h *Handlers) BulkEntity(ctx context.Context, job *models.SyncJob) (Result, error) {
	entity, ok := job.Kind.BulkEntity()
	if !ok {
		return Result{}, apperrors.NewPermanentError(apperrors.CodeUnknownJobKind, fmt.Sprintf("%s is not a bulk kind", job.Kind), nil)
	}
	conn, err := h.cfg.Connections.Get(ctx, job.ConnectionID)
	if err != nil {
		return Result{}, err
	}
	op, err := h.cfg.Bulk.Submit(ctx, conn, entity, rangeOr(job.Payload.DateRange, h.historyRange()), job.EtlJobID)
	if err != nil {
		return Result{}, err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"bulkOperationId": op.ID,
		"externalId":      op.ExternalID,
		"entity":          entity,
	}).Info("Bulk export submitted")
	return Result{Detached: true}, nil
}

// PollBulk advances a bulk operation by one poll
func (h *Handlers) PollBulk(ctx context.Context, job *models.SyncJob) (Result, error) {
	if _, err := h.cfg.Bulk.Poll(ctx, job); err != nil {
		return Result{}, err
	}
	return Result{Detached: true}, nil
}

// Backfill detects the job platform's gaps and runs the resulting plan
func (h *Handlers) Backfill(ctx context.Context, job *models.SyncJob) (Result, error) {
	lookback := job.Payload.LookbackDays
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}
	gaps, err := h.cfg.Detector.DetectGaps(ctx, job.TenantID, lookback)
	if err != nil {
		return Result{}, fmt.Errorf("failed to detect gaps: %w", err)
	}
	var own []models.DataGap
	for _, g := range gaps {
		if g.Platform == job.Platform {
			own = append(own, g)
		}
	}

	plan := h.cfg.Planner.PlanBackfill(own, job.Payload.Force)
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"lookbackDays": lookback,
		"missingDays":  plan.TotalMissingDays,
		"gaps":         len(plan.Gaps),
		"force":        job.Payload.Force,
	})
	if !plan.ShouldBackfill {
		logger.Info("No backfill needed")
		return Result{}, nil
	}

	res, err := h.cfg.Executor.Execute(ctx, job.TenantID, plan)
	if err != nil {
		return Result{}, err
	}
	logger.WithFields(map[string]interface{}{
		"chunks":       len(res.Chunks),
		"failedChunks": res.Failed(),
		"rows":         res.RecordsAdded,
	}).Info("Backfill finished")
	return Result{Rows: res.RecordsAdded}, nil
}

// Reconnect wipes the connection's derived data and queues the rebuild
func (h *Handlers) Reconnect(ctx context.Context, job *models.SyncJob) (Result, error) {
	res, err := h.cfg.Reconnector.Reconnect(ctx, job.TenantID, job.Platform, job.ID.String())
	if apperrors.HasCode(err, apperrors.CodeReconnectInProgress) {
		// the running reconnect already rebuilds this connection
		return Result{}, apperrors.NewPermanentError(apperrors.CodeReconnectInProgress, err.Error(), err)
	}
	if err != nil {
		return Result{}, err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"rowsPurged":  res.RowsPurged,
		"daysCleared": res.DaysCleared,
		"rebuildJobs": len(res.JobIDs),
	}).Warn("Full reconnect finished")
	return Result{}, nil
}
