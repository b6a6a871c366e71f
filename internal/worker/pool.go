// Package worker runs sync jobs claimed from the job queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/job"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/metrics"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default pool settings
const (
	DefaultConcurrency       = 4
	DefaultPollInterval      = time.Second
	DefaultJobTimeout        = 30 * time.Minute
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultReclaimInterval   = 30 * time.Second
	DefaultLockDeferDelay    = 30 * time.Second
)

var tracer = otel.Tracer("github.com/brez-sync/internal/worker")

// JobQueue is the part of the queue the pool drives
type JobQueue interface {
	Claim(ctx context.Context, workerID string, n int) ([]*models.SyncJob, error)
	Heartbeat(ctx context.Context, job *models.SyncJob, workerID string) error
	Complete(ctx context.Context, job *models.SyncJob) error
	Fail(ctx context.Context, job *models.SyncJob, cause error) (bool, error)
	Discard(ctx context.Context, job *models.SyncJob, cause error) error
	Defer(ctx context.Context, job *models.SyncJob, delay time.Duration, reason string) (bool, error)
	ReclaimStalled(ctx context.Context, stallTimeout time.Duration) (job.ReclaimResult, error)
}

// LedgerWriter records job lifecycle on ETL job records
type LedgerWriter interface {
	MarkRunning(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, rows int64) error
	Fail(ctx context.Context, id uuid.UUID, msg string) error
	Requeue(ctx context.Context, id uuid.UUID, msg string) error
}

// ConnectionReader resolves a job's connection and updates its dashboard status
type ConnectionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.PlatformConnection, error)
	UpdateSyncStatus(ctx context.Context, id uuid.UUID, status types.SyncStatus, progress int, lastSyncedAt *time.Time) error
}

// StatusRefresher recomputes a connection's status after a job settles
type StatusRefresher interface {
	RefreshStatus(ctx context.Context, tenantID string, platform types.Platform) error
}

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	Queue       JobQueue
	Registry    *Registry
	Ledger      LedgerWriter
	Connections ConnectionReader
	// Status is optional
	Status StatusRefresher
	// WorkerID identifies this process in claims. Default: random.
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	ReclaimInterval   time.Duration
	// StallTimeout is passed to the queue reclaimer. Zero uses the queue default.
	StallTimeout time.Duration
	// LockDeferDelay is how long a job waits behind a running reconnect
	LockDeferDelay time.Duration
	Now            func() time.Time
}

// Validate checks if the configuration is valid
func (c *PoolConfig) Validate() error {
	if c.Queue == nil {
		return errors.New("queue is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Ledger == nil {
		return errors.New("ledger is required")
	}
	if c.Connections == nil {
		return errors.New("connections are required")
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency cannot be negative")
	}
	return nil
}

// Pool claims due jobs and runs them with bounded concurrency
type Pool struct {
	cfg PoolConfig
	sem chan struct{}

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

// NewPool creates a worker pool
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c := *cfg
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}
	if c.LockDeferDelay <= 0 {
		c.LockDeferDelay = DefaultLockDeferDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Pool{cfg: c, sem: make(chan struct{}, c.Concurrency)}, nil
}

// WorkerID returns the id used for claims
func (p *Pool) WorkerID() string {
	return p.cfg.WorkerID
}

// Start launches the claim and reclaim loops
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool %s is already running", p.cfg.WorkerID)
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.loops.Add(2)
	go p.claimLoop(ctx)
	go p.reclaimLoop(ctx)

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"workerId":    p.cfg.WorkerID,
		"concurrency": p.cfg.Concurrency,
		"kinds":       p.cfg.Registry.Kinds(),
	}).Info("Worker pool started")
	return nil
}

// Stop cancels the loops and in-flight jobs and waits for them. Cancelled
// jobs stay active and come back through the stalled-job reclaimer.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool %s is not running", p.cfg.WorkerID)
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.loops.Wait()
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.FromContext(ctx).WithField("workerId", p.cfg.WorkerID).Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) claimLoop(ctx context.Context) {
	defer p.loops.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				logging.FromContext(ctx).WithError(err).Error("Failed to claim jobs")
			}
		}
	}
}

// Poll claims as many jobs as there are free slots and starts them. It
// returns the number of jobs started.
func (p *Pool) Poll(ctx context.Context) (int, error) {
	free := cap(p.sem) - len(p.sem)
	if free <= 0 {
		return 0, nil
	}
	jobs, err := p.cfg.Queue.Claim(ctx, p.cfg.WorkerID, free)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		p.sem <- struct{}{}
		p.inflight.Add(1)
		go func(j *models.SyncJob) {
			defer func() {
				<-p.sem
				p.inflight.Done()
			}()
			p.Process(ctx, j)
		}(j)
	}
	return len(jobs), nil
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	defer p.loops.Done()

	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reclaim(ctx)
		}
	}
}

// Reclaim returns stalled jobs to the queue and closes the ETL records of
// the ones that ran out of reclaims
func (p *Pool) Reclaim(ctx context.Context) {
	res, err := p.cfg.Queue.ReclaimStalled(ctx, p.cfg.StallTimeout)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to reclaim stalled jobs")
		return
	}
	for _, j := range res.FailedJobs {
		msg := "job stalled"
		if j.LastError != nil {
			msg = *j.LastError
		}
		p.ledgerFail(ctx, j, msg)
		metrics.JobsProcessedTotal.WithLabelValues(string(j.Kind), "stalled").Inc()
	}
}

// Process runs one claimed job to a settled queue state
func (p *Pool) Process(ctx context.Context, j *models.SyncJob) {
	ctx, span := tracer.Start(ctx, "sync.job "+string(j.Kind),
		trace.WithAttributes(
			attribute.String("job.id", j.ID.String()),
			attribute.String("job.kind", string(j.Kind)),
			attribute.String("tenant.id", j.TenantID),
			attribute.String("platform", string(j.Platform)),
			attribute.Int("job.attempt", j.Attempts),
		))
	defer span.End()

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":    j.ID,
		"kind":     j.Kind,
		"tenantId": j.TenantID,
		"platform": j.Platform,
		"attempt":  j.Attempts,
	})
	ctx = logging.WithLogger(ctx, logger)

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()
	start := time.Now()

	outcome := p.execute(ctx, j)

	metrics.JobDurationSeconds.WithLabelValues(string(j.Kind)).Observe(time.Since(start).Seconds())
	metrics.JobsProcessedTotal.WithLabelValues(string(j.Kind), outcome.label).Inc()
	span.SetAttributes(attribute.String("job.outcome", outcome.label))
	if outcome.err != nil {
		span.RecordError(outcome.err)
		span.SetStatus(codes.Error, outcome.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if outcome.label != outcomeAbandoned && outcome.label != outcomeLostClaim && p.cfg.Status != nil {
		if err := p.cfg.Status.RefreshStatus(context.WithoutCancel(ctx), j.TenantID, j.Platform); err != nil {
			logger.WithError(err).Warn("Failed to refresh connection status")
		}
	}
}

const (
	outcomeCompleted = "completed"
	outcomeDeferred  = "deferred"
	outcomeRetrying  = "retrying"
	outcomeFailed    = "failed"
	outcomeDiscarded = "discarded"
	outcomeUnknown   = "unknown_kind"
	outcomeAbandoned = "shutdown"
	outcomeLostClaim = "lost_claim"
)

type outcome struct {
	label string
	err   error
}

func (p *Pool) execute(ctx context.Context, j *models.SyncJob) outcome {
	logger := logging.FromContext(ctx)

	handler, ok := p.cfg.Registry.Lookup(j.Kind)
	if !ok {
		err := apperrors.NewPermanentError(apperrors.CodeUnknownJobKind, fmt.Sprintf("no handler for job kind %q", j.Kind), nil)
		logger.Error("Discarding job with unknown kind")
		if lost := p.discard(ctx, j, err); lost != nil {
			return *lost
		}
		return outcome{outcomeUnknown, err}
	}

	conn, err := p.cfg.Connections.Get(ctx, j.ConnectionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			if lost := p.discard(ctx, j, err); lost != nil {
				return *lost
			}
			return outcome{outcomeDiscarded, err}
		}
		return p.settleError(ctx, j, nil, err)
	}
	if !conn.IsActive() {
		err := apperrors.NewPermanentError("CONNECTION_INACTIVE", fmt.Sprintf("%s connection is %s", conn.Platform, conn.Status), nil)
		if lost := p.discard(ctx, j, err); lost != nil {
			return *lost
		}
		return outcome{outcomeDiscarded, err}
	}
	if !j.Exclusive && conn.IsLocked(p.cfg.Now()) {
		return p.deferJob(ctx, j, p.cfg.LockDeferDelay, "waiting for reconnect to finish")
	}

	if j.EtlJobID != nil {
		if err := p.cfg.Ledger.MarkRunning(ctx, *j.EtlJobID); err != nil {
			logger.WithError(err).Warn("Failed to mark etl record running")
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	stopHeartbeat := p.heartbeat(jobCtx, j, cancel)
	res, err := handler.Handle(jobCtx, j)
	stopHeartbeat()
	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err == nil {
		if cerr := p.cfg.Queue.Complete(context.WithoutCancel(ctx), j); cerr != nil {
			if errors.Is(cerr, job.ErrLostClaim) {
				return outcome{outcomeLostClaim, cerr}
			}
			logger.WithError(cerr).Error("Failed to complete job")
			return outcome{outcomeFailed, cerr}
		}
		if !res.Detached && j.EtlJobID != nil {
			if lerr := p.cfg.Ledger.Complete(context.WithoutCancel(ctx), *j.EtlJobID, res.Rows); lerr != nil {
				logger.WithError(lerr).Warn("Failed to complete etl record")
			}
		}
		logger.WithFields(map[string]interface{}{"rows": res.Rows, "detached": res.Detached}).Info("Job completed")
		return outcome{outcomeCompleted, nil}
	}

	if ctx.Err() != nil && !timedOut {
		logger.WithError(err).Warn("Job interrupted by shutdown, leaving it for reclaim")
		return outcome{outcomeAbandoned, err}
	}
	if timedOut {
		err = apperrors.NewTransientError(fmt.Sprintf("job timed out after %s", p.cfg.JobTimeout), err)
	}
	return p.settleError(ctx, j, conn, err)
}

// settleError maps a handler failure onto the queue and the ledger
func (p *Pool) settleError(ctx context.Context, j *models.SyncJob, conn *models.PlatformConnection, err error) outcome {
	ctx = context.WithoutCancel(ctx)
	logger := logging.FromContext(ctx).WithError(err)

	switch {
	case apperrors.IsRateLimited(err):
		delay := apperrors.RetryAfter(err)
		if delay < p.cfg.LockDeferDelay {
			delay = p.cfg.LockDeferDelay
		}
		return p.deferJob(ctx, j, delay, "rate limited: "+err.Error())

	case apperrors.HasCode(err, apperrors.CodeSyncJobsActive):
		return p.deferJob(ctx, j, p.cfg.LockDeferDelay, "waiting for active jobs: "+err.Error())

	case apperrors.IsPermanent(err):
		logger.Error("Job failed permanently")
		if lost := p.discard(ctx, j, err); lost != nil {
			return *lost
		}
		if conn != nil && apperrors.HasCode(err, apperrors.CodeCredentialsRevoked) {
			if uerr := p.cfg.Connections.UpdateSyncStatus(ctx, conn.ID, types.SyncFailed, 0, nil); uerr != nil {
				logger.WithError(uerr).Warn("Failed to flag connection credentials")
			}
		}
		return outcome{outcomeDiscarded, err}
	}

	retrying, qerr := p.cfg.Queue.Fail(ctx, j, err)
	if errors.Is(qerr, job.ErrLostClaim) {
		return outcome{outcomeLostClaim, qerr}
	}
	if qerr != nil {
		logger.WithField("queueError", qerr.Error()).Error("Failed to record job failure")
		return outcome{outcomeFailed, qerr}
	}
	if retrying {
		if j.EtlJobID != nil {
			if lerr := p.cfg.Ledger.Requeue(ctx, *j.EtlJobID, err.Error()); lerr != nil {
				logger.WithField("ledgerError", lerr.Error()).Warn("Failed to requeue etl record")
			}
		}
		return outcome{outcomeRetrying, err}
	}
	logger.Error("Job failed after final attempt")
	p.ledgerFail(ctx, j, err.Error())
	return outcome{outcomeFailed, err}
}

func (p *Pool) deferJob(ctx context.Context, j *models.SyncJob, delay time.Duration, reason string) outcome {
	ctx = context.WithoutCancel(ctx)
	logger := logging.FromContext(ctx)
	deferred, err := p.cfg.Queue.Defer(ctx, j, delay, reason)
	if errors.Is(err, job.ErrLostClaim) {
		return outcome{outcomeLostClaim, err}
	}
	if err != nil {
		logger.WithError(err).Error("Failed to defer job")
		return outcome{outcomeFailed, err}
	}
	if !deferred {
		logger.WithField("reason", reason).Error("Job exceeded its deferral budget")
		p.ledgerFail(ctx, j, *j.LastError)
		return outcome{outcomeFailed, errors.New(*j.LastError)}
	}
	if j.EtlJobID != nil {
		if err := p.cfg.Ledger.Requeue(ctx, *j.EtlJobID, reason); err != nil {
			logger.WithError(err).Warn("Failed to requeue etl record")
		}
	}
	logger.WithFields(map[string]interface{}{"delay": delay, "reason": reason}).Info("Job deferred")
	return outcome{outcomeDeferred, nil}
}

// discard fails the job for good. A non-nil outcome means the claim was lost
// and nothing else may be recorded for this run.
func (p *Pool) discard(ctx context.Context, j *models.SyncJob, cause error) *outcome {
	ctx = context.WithoutCancel(ctx)
	if err := p.cfg.Queue.Discard(ctx, j, cause); err != nil {
		if errors.Is(err, job.ErrLostClaim) {
			return &outcome{outcomeLostClaim, err}
		}
		logging.FromContext(ctx).WithError(err).Error("Failed to discard job")
	}
	p.ledgerFail(ctx, j, cause.Error())
	return nil
}

func (p *Pool) ledgerFail(ctx context.Context, j *models.SyncJob, msg string) {
	if j.EtlJobID == nil {
		return
	}
	if err := p.cfg.Ledger.Fail(ctx, *j.EtlJobID, msg); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to fail etl record")
	}
}

// heartbeat refreshes the job's claim until the returned stop is called. When
// the claim turns out to be lost, abort stops the handler.
func (p *Pool) heartbeat(ctx context.Context, j *models.SyncJob, abort context.CancelFunc) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.cfg.Queue.Heartbeat(ctx, j, p.cfg.WorkerID)
				if errors.Is(err, job.ErrLostClaim) {
					logging.FromContext(ctx).Warn("Job was reclaimed by another worker, aborting run")
					abort()
					return
				}
				if err != nil && ctx.Err() == nil {
					logging.FromContext(ctx).WithError(err).Warn("Heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
