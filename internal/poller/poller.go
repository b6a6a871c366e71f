// Package poller drives long-running platform bulk exports to completion.
// Each poll is a short queued job; the next poll is a new job with a longer
// delay, bounded by a poll budget after which the export is abandoned.
package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/brez-sync/internal/adapter"
	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/metrics"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// Default poll policy values
const (
	DefaultInitialDelay = 30 * time.Second
	DefaultMaxDelay     = 2 * time.Minute
	DefaultGrowth       = 1.5
	DefaultMaxAttempts  = 20
)

// ErrInvalidTransition is returned for a state change the state table forbids
var ErrInvalidTransition = errors.New("invalid bulk operation transition")

// BulkClient is the platform side of a bulk export
type BulkClient interface {
	SubmitBulkQuery(ctx context.Context, conn *models.PlatformConnection, entity types.Entity, dr types.DateRange) (string, error)
	GetBulkOperation(ctx context.Context, conn *models.PlatformConnection, id string) (*adapter.BulkOperationStatus, error)
	DownloadBulkResult(ctx context.Context, conn *models.PlatformConnection, entity types.Entity, url string) (*models.FactBatch, error)
}

// OperationStore persists bulk operations
type OperationStore interface {
	Create(ctx context.Context, op *models.BulkOperation) error
	Get(ctx context.Context, id uuid.UUID) (*models.BulkOperation, error)
	Update(ctx context.Context, op *models.BulkOperation) error
}

// ConnectionStore loads the connection a poll acts for
type ConnectionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.PlatformConnection, error)
}

// Enqueuer schedules the next poll
type Enqueuer interface {
	EnqueueIn(ctx context.Context, job *models.SyncJob, delay time.Duration) error
}

// FactWriter upserts ingested rows
type FactWriter interface {
	Write(ctx context.Context, batch *models.FactBatch) (int64, error)
}

// CoverageRecorder notes which days an ingest covered
type CoverageRecorder interface {
	RecordSync(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange, rowsByDay map[time.Time]int64, succeeded bool, at time.Time) error
}

// Ledger finalizes the ETL record a bulk export reports into
type Ledger interface {
	Progress(ctx context.Context, id uuid.UUID, rows int64, total *int64) error
	Complete(ctx context.Context, id uuid.UUID, rows int64) error
	Fail(ctx context.Context, id uuid.UUID, msg string) error
}

// Config holds configuration for the poller
type Config struct {
	Client      BulkClient
	Operations  OperationStore
	Connections ConnectionStore
	Queue       Enqueuer
	Facts       FactWriter
	Ledger      Ledger
	// Coverage is optional
	Coverage CoverageRecorder

	// InitialDelay before the first poll. Default: 30s.
	InitialDelay time.Duration
	// MaxDelay caps the delay between polls. Default: 2m.
	MaxDelay time.Duration
	// Growth multiplies the delay after every poll. Default: 1.5.
	Growth float64
	// MaxAttempts is the poll budget. Default: 20.
	MaxAttempts int
	Now         func() time.Time
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Client == nil || c.Operations == nil || c.Connections == nil {
		return errors.New("client, operation store and connection store are required")
	}
	if c.Queue == nil || c.Facts == nil || c.Ledger == nil {
		return errors.New("queue, fact writer and ledger are required")
	}
	if c.Growth != 0 && c.Growth < 1 {
		return errors.New("growth must be at least 1")
	}
	if c.MaxAttempts < 0 {
		return errors.New("max attempts cannot be negative")
	}
	return nil
}

// Poller runs the bulk operation state machine
type Poller struct {
	client       BulkClient
	ops          OperationStore
	conns        ConnectionStore
	queue        Enqueuer
	facts        FactWriter
	ledger       Ledger
	coverage     CoverageRecorder
	initialDelay time.Duration
	maxDelay     time.Duration
	growth       float64
	maxAttempts  int
	now          func() time.Time
}

// NewPoller creates a poller
func NewPoller(cfg *Config) (*Poller, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	p := &Poller{
		client:       cfg.Client,
		ops:          cfg.Operations,
		conns:        cfg.Connections,
		queue:        cfg.Queue,
		facts:        cfg.Facts,
		ledger:       cfg.Ledger,
		coverage:     cfg.Coverage,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		growth:       cfg.Growth,
		maxAttempts:  cfg.MaxAttempts,
		now:          cfg.Now,
	}
	if p.initialDelay == 0 {
		p.initialDelay = DefaultInitialDelay
	}
	if p.maxDelay == 0 {
		p.maxDelay = DefaultMaxDelay
	}
	if p.growth == 0 {
		p.growth = DefaultGrowth
	}
	if p.maxAttempts == 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// NextDelay is the wait before poll number attempt+1, growing from the
// initial delay and capped at the max delay
func (p *Poller) NextDelay(attempt int) time.Duration {
	d := float64(p.initialDelay) * math.Pow(p.growth, float64(attempt))
	if d > float64(p.maxDelay) || math.IsInf(d, 0) {
		return p.maxDelay
	}
	return time.Duration(d)
}

// Submit starts a bulk export on the platform and schedules its first poll
func (p *Poller) Submit(ctx context.Context, conn *models.PlatformConnection, entity types.Entity, dr types.DateRange, etlJobID *uuid.UUID) (*models.BulkOperation, error) {
	externalID, err := p.client.SubmitBulkQuery(ctx, conn, entity, dr)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()
	op := &models.BulkOperation{
		ID:              uuid.New(),
		TenantID:        conn.TenantID,
		ConnectionID:    conn.ID,
		Platform:        conn.Platform,
		ExternalID:      externalID,
		Entity:          entity,
		DateRange:       dr,
		State:           models.BulkCreated,
		MaxPollAttempts: p.maxAttempts,
		EtlJobID:        etlJobID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.Start(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Start persists a created operation and enqueues its first poll after the
// initial delay
func (p *Poller) Start(ctx context.Context, op *models.BulkOperation) error {
	op.State = models.BulkCreated
	if op.MaxPollAttempts == 0 {
		op.MaxPollAttempts = p.maxAttempts
	}
	if err := p.ops.Create(ctx, op); err != nil {
		return fmt.Errorf("failed to persist bulk operation: %w", err)
	}
	if err := p.schedule(ctx, op, p.initialDelay); err != nil {
		return err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"bulkOperationId": op.ID,
		"externalId":      op.ExternalID,
		"tenantId":        op.TenantID,
		"entity":          op.Entity,
	}).Info("Bulk export submitted")
	return nil
}

func (p *Poller) schedule(ctx context.Context, op *models.BulkOperation, delay time.Duration) error {
	id := op.ID
	job := models.NewSyncJob(op.TenantID, op.ConnectionID, op.Platform, types.KindPollBulk)
	job.EtlJobID = op.EtlJobID
	job.Payload = models.JobPayload{
		Entity:          op.Entity,
		BulkOperationID: &id,
		PollAttempt:     op.PollAttempts,
	}
	if err := p.queue.EnqueueIn(ctx, job, delay); err != nil {
		return fmt.Errorf("failed to schedule bulk poll: %w", err)
	}
	return nil
}

func (p *Poller) transition(ctx context.Context, op *models.BulkOperation, to models.BulkState) error {
	if !CanTransition(op.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.State, to)
	}
	op.State = to
	op.UpdatedAt = p.now().UTC()
	if err := p.ops.Update(ctx, op); err != nil {
		return fmt.Errorf("failed to update bulk operation: %w", err)
	}
	metrics.BulkPollsTotal.WithLabelValues(string(op.Entity), string(to)).Inc()
	return nil
}

// Poll runs one step for the operation referenced by a poll_bulk job and
// returns the operation's new state. Errors reaching the caller are
// retryable failures of this poll; terminal outcomes are recorded on the
// operation and the ledger. When the job is on its last attempt a
// transient error fails the operation instead of leaving it mid-flight.
func (p *Poller) Poll(ctx context.Context, job *models.SyncJob) (*models.BulkOperation, error) {
	if job.Payload.BulkOperationID == nil {
		return nil, apperrors.NewValidationError("bulkOperationId", "poll job has no bulk operation")
	}
	op, err := p.ops.Get(ctx, *job.Payload.BulkOperationID)
	if err != nil {
		return nil, err
	}
	if op.State.IsTerminal() {
		return op, nil
	}
	conn, err := p.conns.Get(ctx, op.ConnectionID)
	if err != nil {
		return nil, err
	}

	switch op.State {
	case models.BulkReady, models.BulkIngesting:
		return op, p.giveUp(ctx, job, op, p.ingest(ctx, conn, op), "bulk ingest failed")
	}

	if op.State == models.BulkCreated {
		if err := p.transition(ctx, op, models.BulkPolling); err != nil {
			return op, err
		}
	}

	status, err := p.client.GetBulkOperation(ctx, conn, op.ExternalID)
	if err != nil {
		if apperrors.IsPermanent(err) {
			return op, p.finish(ctx, op, models.BulkFailed, "bulk status unavailable: "+err.Error())
		}
		return op, p.giveUp(ctx, job, op, err, "bulk status unavailable")
	}
	op.PollAttempts++
	if status.ObjectCount > 0 {
		count := status.ObjectCount
		op.ObjectCount = &count
	}

	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"bulkOperationId": op.ID,
		"status":          status.Status,
		"pollAttempt":     op.PollAttempts,
	})

	switch {
	case status.Status.InFlight():
		if op.PollAttempts >= op.MaxPollAttempts {
			log.Warn("Bulk export exceeded its poll budget")
			return op, p.finish(ctx, op, models.BulkAbandoned,
				fmt.Sprintf("bulk operation abandoned after %d polls", op.PollAttempts))
		}
		if err := p.transition(ctx, op, models.BulkPolling); err != nil {
			return op, err
		}
		if op.EtlJobID != nil && op.ObjectCount != nil {
			if err := p.ledger.Progress(ctx, *op.EtlJobID, 0, op.ObjectCount); err != nil {
				log.WithError(err).Warn("Failed to record bulk progress")
			}
		}
		log.Debug("Bulk export still running")
		return op, p.schedule(ctx, op, p.NextDelay(op.PollAttempts))

	case status.Status == adapter.BulkStatusCompleted:
		url := status.URL
		op.ResultURL = &url
		if err := p.transition(ctx, op, models.BulkReady); err != nil {
			return op, err
		}
		log.Info("Bulk export ready")
		return op, p.giveUp(ctx, job, op, p.ingest(ctx, conn, op), "bulk ingest failed")

	default:
		msg := fmt.Sprintf("bulk operation %s", status.Status)
		if status.ErrorCode != "" {
			msg += ": " + status.ErrorCode
		}
		return op, p.finish(ctx, op, models.BulkFailed, msg)
	}
}

// lastAttempt reports whether a failure of this run exhausts the job
func lastAttempt(job *models.SyncJob) bool {
	return job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts
}

// giveUp closes the operation as failed when err would exhaust the poll
// job. Rate limits are deferred by the worker and never count.
func (p *Poller) giveUp(ctx context.Context, job *models.SyncJob, op *models.BulkOperation, err error, reason string) error {
	if err == nil || !lastAttempt(job) || apperrors.IsRateLimited(err) || op.State.IsTerminal() {
		return err
	}
	logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
		"bulkOperationId": op.ID,
		"attempt":         job.Attempts,
		"state":           op.State,
	}).Warn("Bulk poll out of retries")
	if ferr := p.finish(ctx, op, models.BulkFailed, reason+": "+err.Error()); ferr != nil {
		return fmt.Errorf("%w (closing bulk operation: %v)", err, ferr)
	}
	return nil
}

// ingest downloads the result and upserts it. Writes are idempotent so a
// resumed ingest rewrites the same rows.
func (p *Poller) ingest(ctx context.Context, conn *models.PlatformConnection, op *models.BulkOperation) error {
	if err := p.transition(ctx, op, models.BulkIngesting); err != nil {
		return err
	}
	url := ""
	if op.ResultURL != nil {
		url = *op.ResultURL
	}
	batch, err := p.client.DownloadBulkResult(ctx, conn, op.Entity, url)
	if err == nil {
		op.RowsIngested, err = p.facts.Write(ctx, batch)
	}
	if err != nil {
		if apperrors.IsPermanent(err) {
			return p.finish(ctx, op, models.BulkFailed, "bulk ingest failed: "+err.Error())
		}
		return err
	}

	if p.coverage != nil && op.Entity == types.EntityOrders && op.DateRange.Days() > 0 {
		rowsByDay := make(map[time.Time]int64)
		for _, o := range batch.Orders {
			rowsByDay[types.Day(o.CreatedAt)]++
		}
		if err := p.coverage.RecordSync(ctx, op.TenantID, op.Platform, op.DateRange, rowsByDay, true, p.now().UTC()); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Failed to record bulk coverage")
		}
	}
	return p.finish(ctx, op, models.BulkCompleted, "")
}

// finish moves the operation to a terminal state and reports it to the ledger
func (p *Poller) finish(ctx context.Context, op *models.BulkOperation, state models.BulkState, msg string) error {
	if msg != "" {
		op.Error = &msg
	}
	if err := p.transition(ctx, op, state); err != nil {
		return err
	}
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"bulkOperationId": op.ID,
		"tenantId":        op.TenantID,
		"entity":          op.Entity,
		"state":           state,
		"rows":            op.RowsIngested,
	})
	if op.EtlJobID == nil {
		log.Info("Bulk operation finished")
		return nil
	}
	var err error
	if state == models.BulkCompleted {
		err = p.ledger.Complete(ctx, *op.EtlJobID, op.RowsIngested)
	} else {
		err = p.ledger.Fail(ctx, *op.EtlJobID, msg)
	}
	if err != nil {
		return fmt.Errorf("failed to finalize etl record: %w", err)
	}
	log.Info("Bulk operation finished")
	return nil
}
