package service

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"go.uber.org/zap"
)

// ActiveConnectionLister pages through every active connection
type ActiveConnectionLister interface {
	ListActive(ctx context.Context, limit, offset int) ([]*models.PlatformConnection, error)
}

// SchedulerConfig holds configuration for the scheduler
type SchedulerConfig struct {
	Connections ActiveConnectionLister
	Sync        SyncRequester
	// Auditor is optional; without it no periodic gap audit runs
	Auditor *GapAuditor
	// DailyHour is the local hour of the daily recent sync. Default: 3.
	DailyHour int
	// CheckInterval is how often the daily trigger checks the clock. Default: 1m.
	CheckInterval time.Duration
	// AuditInterval default: 6h
	AuditInterval time.Duration
	AuditLookback int
	// PageSize default: 200
	PageSize int
	Logger   *zap.Logger
	Now      func() time.Time
}

// Scheduler triggers the daily recent sync for every active connection and
// runs the periodic gap audit
type Scheduler struct {
	cfg SchedulerConfig
	log *zap.Logger

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	isRunning   bool
	lastRunDate string
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Connections == nil || cfg.Sync == nil {
		return nil, errors.New("connections and sync requester are required")
	}
	if cfg.DailyHour < 0 || cfg.DailyHour > 23 {
		return nil, errors.New("daily hour must be within 0-23")
	}
	c := *cfg
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.AuditInterval <= 0 {
		c.AuditInterval = 6 * time.Hour
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Scheduler{cfg: c, log: c.Logger}, nil
}

// Start starts the trigger loops
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.dailyLoop(ctx)
	if s.cfg.Auditor != nil {
		s.wg.Add(1)
		go s.auditLoop(ctx)
	}

	s.log.Info("Scheduler started",
		zap.Int("daily_hour", s.cfg.DailyHour),
		zap.Duration("check_interval", s.cfg.CheckInterval),
		zap.Duration("audit_interval", s.cfg.AuditInterval),
		zap.Bool("audit_enabled", s.cfg.Auditor != nil),
	)
	return nil
}

// Stop stops the loops and waits for an in-flight run to return
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) dailyLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndTrigger(ctx)
		}
	}
}

func (s *Scheduler) auditLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAudit(ctx)
		}
	}
}

// checkAndTrigger runs the daily sync once per date, at the configured hour
func (s *Scheduler) checkAndTrigger(ctx context.Context) bool {
	now := s.cfg.Now()
	currentDate := now.Format(types.DateLayout)

	s.mu.Lock()
	if s.lastRunDate == currentDate || now.Hour() != s.cfg.DailyHour {
		s.mu.Unlock()
		return false
	}
	s.lastRunDate = currentDate
	s.mu.Unlock()

	s.log.Info("Triggering daily recent sync", zap.String("date", currentDate))
	s.RunDaily(ctx)
	return true
}

// RunDaily requests a recent sync for every active connection and returns
// how many requests were accepted
func (s *Scheduler) RunDaily(ctx context.Context) int {
	accepted := 0
	s.eachActive(ctx, func(c *models.PlatformConnection) {
		_, err := s.cfg.Sync.RequestSync(ctx, c.TenantID, SyncRequest{Scope: types.ScopeRecent, Platform: c.Platform})
		switch {
		case err == nil:
			accepted++
		case apperrors.HasCode(err, apperrors.CodeReconnectInProgress):
			s.log.Info("Skipping daily sync during reconnect",
				zap.String("tenant_id", c.TenantID),
				zap.String("platform", string(c.Platform)),
			)
		default:
			s.log.Error("Failed to request daily sync",
				zap.String("tenant_id", c.TenantID),
				zap.String("platform", string(c.Platform)),
				zap.Error(err),
			)
		}
	})
	s.log.Info("Daily recent sync requested", zap.Int("connections", accepted))
	return accepted
}

// RunAudit audits every tenant that has an active connection and returns
// how many backfill jobs were enqueued
func (s *Scheduler) RunAudit(ctx context.Context) int {
	if s.cfg.Auditor == nil {
		return 0
	}
	tenants := make(map[string]bool)
	var order []string
	s.eachActive(ctx, func(c *models.PlatformConnection) {
		if !tenants[c.TenantID] {
			tenants[c.TenantID] = true
			order = append(order, c.TenantID)
		}
	})

	enqueued := 0
	for _, tenantID := range order {
		if ctx.Err() != nil {
			return enqueued
		}
		report, jobs, err := s.cfg.Auditor.Audit(ctx, tenantID, s.cfg.AuditLookback, false)
		if err != nil {
			s.log.Error("Gap audit failed", zap.String("tenant_id", tenantID), zap.Error(err))
			continue
		}
		enqueued += len(jobs)
		if len(jobs) > 0 {
			s.log.Info("Backfill scheduled",
				zap.String("tenant_id", tenantID),
				zap.Int("missing_days", report.Plan.TotalMissingDays),
				zap.Int("jobs", len(jobs)),
			)
		}
	}
	return enqueued
}

func (s *Scheduler) eachActive(ctx context.Context, fn func(*models.PlatformConnection)) {
	for offset := 0; ; offset += s.cfg.PageSize {
		page, err := s.cfg.Connections.ListActive(ctx, s.cfg.PageSize, offset)
		if err != nil {
			s.log.Error("Failed to list active connections", zap.Int("offset", offset), zap.Error(err))
			return
		}
		for _, c := range page {
			if ctx.Err() != nil {
				return
			}
			fn(c)
		}
		if len(page) < s.cfg.PageSize {
			return
		}
	}
}
