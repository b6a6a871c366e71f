// Package job implements the durable sync job queue: priority, delay,
// retry with exponential backoff, deferral on rate limits and stalled-job
// reclaim.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/metrics"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/retry"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
)

// Default queue policy values.
const (
	DefaultMaxStalled   = 2
	DefaultMaxDeferrals = 12
	DefaultStallTimeout = 2 * time.Minute
)

// ErrInvalidTransition is returned when a job is not in a state the operation accepts.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Config holds configuration for the queue.
type Config struct {
	// Store is required.
	Store Store
	// MaxAttempts applied to jobs that do not set one. Default: 3.
	MaxAttempts int
	// Backoff applied to jobs that do not set one. Default: 5s doubling to 5m.
	Backoff retry.Backoff
	// MaxStalled reclaims before a job is failed. Default: 2.
	MaxStalled int
	// MaxDeferrals before a rate-limited job is failed. Default: 12.
	MaxDeferrals int
	// Now is injectable for tests.
	Now func() time.Time
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.MaxAttempts < 0 || c.MaxStalled < 0 || c.MaxDeferrals < 0 {
		return errors.New("limits cannot be negative")
	}
	if c.Backoff.Max > 0 && c.Backoff.Initial > c.Backoff.Max {
		return errors.New("backoff initial cannot exceed max")
	}
	return nil
}

// Queue is the job queue front end.
type Queue struct {
	store        Store
	maxAttempts  int
	backoff      retry.Backoff
	maxStalled   int
	maxDeferrals int
	now          func() time.Time
}

// NewQueue creates a queue.
func NewQueue(cfg *Config) (*Queue, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	q := &Queue{
		store:        cfg.Store,
		maxAttempts:  cfg.MaxAttempts,
		backoff:      cfg.Backoff,
		maxStalled:   cfg.MaxStalled,
		maxDeferrals: cfg.MaxDeferrals,
		now:          cfg.Now,
	}
	if q.maxAttempts == 0 {
		q.maxAttempts = models.DefaultMaxAttempts
	}
	if q.backoff.Initial == 0 {
		q.backoff = models.DefaultBackoffPolicy()
	}
	if q.maxStalled == 0 {
		q.maxStalled = DefaultMaxStalled
	}
	if q.maxDeferrals == 0 {
		q.maxDeferrals = DefaultMaxDeferrals
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q, nil
}

// Enqueue stores a job as queued. Zero fields get queue defaults: priority
// from the kind, run_at now, attempts and backoff from config.
func (q *Queue) Enqueue(ctx context.Context, job *models.SyncJob) error {
	return q.EnqueueIn(ctx, job, 0)
}

// EnqueueIn stores a job that becomes eligible after delay.
func (q *Queue) EnqueueIn(ctx context.Context, job *models.SyncJob, delay time.Duration) error {
	now := q.now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.State = types.JobQueued
	if job.Priority == 0 {
		job.Priority = PriorityFor(job.Kind, job.Payload.Manual)
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.maxAttempts
	}
	if job.Backoff.Initial == 0 {
		job.Backoff = q.backoff
	}
	if job.RunAt.IsZero() || delay > 0 {
		job.RunAt = now.Add(delay)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := q.store.Insert(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Kind, err)
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"jobId":    job.ID,
		"kind":     job.Kind,
		"tenantId": job.TenantID,
		"platform": job.Platform,
		"priority": job.Priority,
		"runAt":    job.RunAt,
	}).Debug("Job enqueued")
	return nil
}

// Claim hands up to n due jobs to workerID.
func (q *Queue) Claim(ctx context.Context, workerID string, n int) ([]*models.SyncJob, error) {
	if n <= 0 {
		return nil, nil
	}
	jobs, err := q.store.ClaimDue(ctx, workerID, q.now().UTC(), n)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	return q.store.Get(ctx, id)
}

// FindOpen returns an existing queued or active job of the kind, if any.
func (q *Queue) FindOpen(ctx context.Context, tenantID string, platform types.Platform, kind types.JobKind) (*models.SyncJob, error) {
	return q.store.FindOpen(ctx, tenantID, platform, kind)
}

// Heartbeat marks the job as still running.
func (q *Queue) Heartbeat(ctx context.Context, job *models.SyncJob, workerID string) error {
	return q.store.Heartbeat(ctx, job.ID, workerID, q.now().UTC())
}

// ActiveJobs counts the non-exclusive jobs currently running for the
// tenant/platform.
func (q *Queue) ActiveJobs(ctx context.Context, tenantID string, platform types.Platform) (int, error) {
	n, err := q.store.CountActive(ctx, tenantID, platform)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// owner is the worker holding job's claim before it is settled.
func owner(job *models.SyncJob) string {
	if job.LockedBy == nil {
		return ""
	}
	return *job.LockedBy
}

func (q *Queue) settle(ctx context.Context, job *models.SyncJob, holder string) error {
	err := q.store.Settle(ctx, job, holder)
	if errors.Is(err, ErrLostClaim) {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"jobId":  job.ID,
			"kind":   job.Kind,
			"worker": holder,
		}).Warn("Job claim lost, dropping result")
	}
	return err
}

func (q *Queue) transition(job *models.SyncJob, to types.JobState) error {
	if !CanTransition(job.State, to) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, job.State, to, job.ID)
	}
	job.State = to
	job.UpdatedAt = q.now().UTC()
	if to != types.JobActive {
		job.LockedBy = nil
	}
	if IsTerminal(to) {
		t := job.UpdatedAt
		job.FinishedAt = &t
	}
	return nil
}

// Complete marks an active job completed.
func (q *Queue) Complete(ctx context.Context, job *models.SyncJob) error {
	holder := owner(job)
	if err := q.transition(job, types.JobCompleted); err != nil {
		return err
	}
	job.LastError = nil
	return q.settle(ctx, job, holder)
}

// Fail records a failed attempt. While attempts remain the job goes back to
// queued after its backoff delay and retrying is true; otherwise it is failed.
func (q *Queue) Fail(ctx context.Context, job *models.SyncJob, cause error) (retrying bool, err error) {
	holder := owner(job)
	msg := errorMessage(cause)
	job.LastError = &msg

	if job.CanRetry() {
		delay := job.NextRetryDelay()
		if err := q.transition(job, types.JobQueued); err != nil {
			return false, err
		}
		job.RunAt = q.now().UTC().Add(delay)
		if err := q.settle(ctx, job, holder); err != nil {
			return false, err
		}
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"jobId":    job.ID,
			"kind":     job.Kind,
			"attempt":  job.Attempts,
			"maxTries": job.MaxAttempts,
			"retryIn":  delay,
		}).WithError(cause).Warn("Job attempt failed, scheduled retry")
		return true, nil
	}

	if err := q.transition(job, types.JobFailed); err != nil {
		return false, err
	}
	return false, q.settle(ctx, job, holder)
}

// Discard fails an active job without retry.
func (q *Queue) Discard(ctx context.Context, job *models.SyncJob, cause error) error {
	holder := owner(job)
	msg := errorMessage(cause)
	job.LastError = &msg
	if err := q.transition(job, types.JobFailed); err != nil {
		return err
	}
	return q.settle(ctx, job, holder)
}

// Defer reschedules an active job after delay without consuming an attempt.
// Past MaxDeferrals the job fails and deferred is false.
func (q *Queue) Defer(ctx context.Context, job *models.SyncJob, delay time.Duration, reason string) (deferred bool, err error) {
	holder := owner(job)
	job.Deferrals++
	if job.Deferrals > q.maxDeferrals {
		msg := fmt.Sprintf("deferred %d times: %s", job.Deferrals-1, reason)
		job.LastError = &msg
		if err := q.transition(job, types.JobFailed); err != nil {
			return false, err
		}
		return false, q.settle(ctx, job, holder)
	}

	if job.Attempts > 0 {
		job.Attempts--
	}
	if err := q.transition(job, types.JobQueued); err != nil {
		return false, err
	}
	job.RunAt = q.now().UTC().Add(delay)
	if reason != "" {
		job.LastError = &reason
	}
	return true, q.settle(ctx, job, holder)
}

// ReclaimResult summarizes a reclaim pass.
type ReclaimResult struct {
	Requeued int
	Failed   int
	// FailedJobs are the jobs that ran out of reclaims
	FailedJobs []*models.SyncJob
}

// ReclaimStalled returns active jobs whose heartbeat is older than stallTimeout
// to the queue. A job reclaimed more than MaxStalled times fails.
func (q *Queue) ReclaimStalled(ctx context.Context, stallTimeout time.Duration) (ReclaimResult, error) {
	var res ReclaimResult
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	stalled, err := q.store.ListStalled(ctx, q.now().UTC().Add(-stallTimeout))
	if err != nil {
		return res, fmt.Errorf("list stalled jobs: %w", err)
	}

	logger := logging.FromContext(ctx)
	for _, job := range stalled {
		holder := owner(job)
		job.StalledCount++
		if job.StalledCount > q.maxStalled {
			msg := fmt.Sprintf("job stalled %d times", job.StalledCount)
			job.LastError = &msg
			if err := q.transition(job, types.JobFailed); err != nil {
				return res, err
			}
		} else {
			if job.Attempts > 0 {
				job.Attempts--
			}
			if err := q.transition(job, types.JobQueued); err != nil {
				return res, err
			}
			job.RunAt = q.now().UTC()
		}
		if err := q.store.Settle(ctx, job, holder); err != nil {
			if errors.Is(err, ErrLostClaim) {
				// its worker settled it after the listing
				continue
			}
			return res, fmt.Errorf("reclaim job %s: %w", job.ID, err)
		}
		if job.State == types.JobFailed {
			res.Failed++
			res.FailedJobs = append(res.FailedJobs, job)
		} else {
			res.Requeued++
		}
		logger.WithFields(map[string]interface{}{
			"jobId":        job.ID,
			"kind":         job.Kind,
			"stalledCount": job.StalledCount,
			"state":        job.State,
		}).Warn("Reclaimed stalled job")
	}
	return res, nil
}

// Stats counts jobs per state.
type Stats struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats returns queue depth per state and updates the depth gauge.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountByState(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	for state, n := range counts {
		metrics.QueueDepth.WithLabelValues(string(state)).Set(float64(n))
	}
	return Stats{
		Queued:    counts[types.JobQueued],
		Active:    counts[types.JobActive],
		Completed: counts[types.JobCompleted],
		Failed:    counts[types.JobFailed],
	}, nil
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
