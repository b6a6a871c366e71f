package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/metrics"
	"github.com/brez-sync/internal/types"
)

// Guard is the front door every platform call passes through.
type Guard struct {
	limiter       RateLimiter
	notifier      Notifier
	notifyTimeout time.Duration
	now           func() time.Time
	pending       sync.WaitGroup
}

// GuardConfig holds configuration for the guard.
type GuardConfig struct {
	// Limiter is required.
	Limiter RateLimiter
	// Notifier receives cooldown advisories. Optional.
	Notifier Notifier
	// NotifyTimeout bounds each asynchronous notification. Default: 5s.
	NotifyTimeout time.Duration
	// Now is injectable for tests.
	Now func() time.Time
}

// NewGuard creates a guard.
func NewGuard(cfg *GuardConfig) (*Guard, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("limiter is required")
	}
	g := &Guard{
		limiter:       cfg.Limiter,
		notifier:      cfg.Notifier,
		notifyTimeout: cfg.NotifyTimeout,
		now:           cfg.Now,
	}
	if g.notifyTimeout == 0 {
		g.notifyTimeout = DefaultNotifyTimeout
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

type acquireOptions struct {
	maxWait  time.Duration
	paceWait time.Duration
}

// AcquireOption adjusts a single Acquire call.
type AcquireOption func(*acquireOptions)

// WithBypass lets a last-resort call wait up to maxWait for the window or
// spacing to clear instead of failing fast. Cooldowns longer than maxWait
// still fail.
func WithBypass(maxWait time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.maxWait = maxWait }
}

// WithPacing waits up to maxWait when the call is refused only for spacing or
// a full window. A cooldown still fails immediately.
func WithPacing(maxWait time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.paceWait = maxWait }
}

// Acquire reserves one call for the tenant. A refusal returns a rate_limit
// error carrying the wait; no network call should follow.
func (g *Guard) Acquire(ctx context.Context, tenantID string, opts ...AcquireOption) error {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := g.now()

	for {
		d, err := g.limiter.TryAcquire(ctx, tenantID)
		if err != nil {
			// Fail closed: without counters we cannot prove the call is safe.
			return apperrors.NewTransientError("rate limiter unavailable", err)
		}
		metrics.RateLimitDecisionsTotal.WithLabelValues(string(d.Reason)).Inc()
		if d.Allowed {
			return nil
		}

		limit := o.maxWait
		if d.Reason != ReasonCooldown && o.paceWait > limit {
			limit = o.paceWait
		}
		if limit <= 0 || d.Wait > start.Add(limit).Sub(g.now()) {
			return apperrors.NewRateLimitedError(
				fmt.Sprintf("tenant %s is rate limited (%s)", tenantID, d.Reason), d.Wait)
		}

		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"tenantId": tenantID,
			"reason":   d.Reason,
			"wait":     d.Wait,
		}).Debug("Waiting for rate limit window")

		timer := time.NewTimer(d.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportRateLimited enters cooldown after a platform throttled the tenant and
// dispatches an advisory without blocking the caller.
func (g *Guard) ReportRateLimited(ctx context.Context, tenantID string, platform types.Platform, retryAfter time.Duration) (time.Time, error) {
	until, err := g.limiter.RecordRateLimited(ctx, tenantID, retryAfter)
	if err != nil {
		return time.Time{}, err
	}
	metrics.CooldownsEnteredTotal.WithLabelValues(string(platform)).Inc()
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tenantId":      tenantID,
		"platform":      platform,
		"cooldownUntil": until,
	}).Warn("Platform rate limit hit, entering cooldown")

	if g.notifier != nil {
		advisory := NewAdvisory(tenantID, platform, until, g.now())
		g.pending.Add(1)
		go func() {
			defer g.pending.Done()
			nctx, cancel := context.WithTimeout(context.Background(), g.notifyTimeout)
			defer cancel()
			if err := g.notifier.Notify(nctx, advisory); err != nil {
				logging.WithError(err).WithField("tenantId", tenantID).Warn("Failed to deliver rate limit advisory")
			}
		}()
	}
	return until, nil
}

// State exposes the limiter snapshot for status reads.
func (g *Guard) State(ctx context.Context, tenantID string) (State, error) {
	return g.limiter.State(ctx, tenantID)
}

// Flush waits for in-flight advisory notifications.
func (g *Guard) Flush() {
	g.pending.Wait()
}
