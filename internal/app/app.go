// Package app assembles the sync components from configuration. The
// server, worker and backfill binaries share this graph.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/brez-sync/internal/adapter"
	"github.com/brez-sync/internal/api"
	"github.com/brez-sync/internal/backfill"
	"github.com/brez-sync/internal/circuitbreaker"
	"github.com/brez-sync/internal/config"
	"github.com/brez-sync/internal/job"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/poller"
	"github.com/brez-sync/internal/ratelimit"
	"github.com/brez-sync/internal/retry"
	"github.com/brez-sync/internal/service"
	"github.com/brez-sync/internal/storage"
	"github.com/brez-sync/internal/types"
	"github.com/brez-sync/internal/worker"
	"github.com/redis/go-redis/v9"
)

// ConnectionStore is everything the components need from the connection table
type ConnectionStore interface {
	service.ConnectionRepository
	backfill.ReconnectLocks
}

// CoverageStore is the per-day sync ledger plus the chunk audit trail
type CoverageStore interface {
	backfill.CoverageReader
	backfill.ChunkRecorder
	backfill.CoveragePurger
	poller.CoverageRecorder
	ListChunks(ctx context.Context, tenantID string, limit int) ([]*models.BackfillChunkOutcome, error)
}

// OperationStore persists bulk exports and lists the ones still running
type OperationStore interface {
	poller.OperationStore
	ListOpen(ctx context.Context, tenantID string, platform types.Platform) ([]*models.BulkOperation, error)
}

// Stores are the persistence backends the graph runs on
type Stores struct {
	Connections ConnectionStore
	EtlJobs     service.EtlJobRepository
	Facts       storage.FactStore
	Coverage    CoverageStore
	Operations  OperationStore
	Jobs        job.Store
}

// App holds the assembled components
type App struct {
	Config *config.Config
	Logger *logging.Logger
	Stores Stores

	Guard       *ratelimit.Guard
	Meta        *adapter.MetaClient
	Shopify     *adapter.ShopifyClient
	Queue       *job.Queue
	Ledger      *service.Ledger
	Sync        *service.SyncService
	Poller      *poller.Poller
	Detector    *backfill.Detector
	Planner     *backfill.Planner
	Executor    *backfill.Executor
	Reconnector *backfill.Reconnector
	Auditor     *service.GapAuditor
	Handlers    *worker.Handlers

	closers []func()
}

// Open connects to the configured databases and assembles the graph on them.
// ClickHouse is only dialed for the clickhouse fact backend and Redis only
// when the limiter or the advisory channel needs it.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	logger := logging.GetGlobalLogger()
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	pg, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	closers = append(closers, pg.Close)

	var ch *storage.ClickHouseDB
	if cfg.Storage.FactBackend == "clickhouse" {
		if ch, err = storage.NewClickHouseDB(&cfg.Database.ClickHouse); err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
		}
		closers = append(closers, func() { _ = ch.Close() })
	}

	var rdb redis.Cmdable
	if cfg.RateLimit.Backend == ratelimit.BackendRedis || cfg.RateLimit.AdvisoryChannel != "" {
		client, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		rdb = client
	}

	facts, err := storage.NewFactStore(cfg.Storage.FactBackend, pg, ch)
	if err != nil {
		closeAll()
		return nil, err
	}

	var jobs job.Store
	switch cfg.Queue.Backend {
	case "", "postgres":
		jobs = storage.NewSyncJobRepository(pg)
	case "memory":
		jobs = job.NewMemoryStore()
	default:
		closeAll()
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}

	stores := Stores{
		Connections: storage.NewConnectionRepository(pg),
		EtlJobs:     storage.NewEtlJobRepository(pg),
		Facts:       facts,
		Coverage:    storage.NewCoverageRepository(pg),
		Operations:  storage.NewBulkOperationRepository(pg),
		Jobs:        jobs,
	}

	a, err := New(cfg, stores, rdb)
	if err != nil {
		closeAll()
		return nil, err
	}
	a.Logger = logger
	a.closers = closers

	logger.WithFields(map[string]interface{}{
		"fact_backend":  cfg.Storage.FactBackend,
		"queue_backend": cfg.Queue.Backend,
		"limiter":       cfg.RateLimit.Backend,
		"redis":         rdb != nil,
	}).Info("Sync components assembled")
	return a, nil
}

// New assembles the graph on the given stores. rdb may be nil when neither
// the redis limiter nor advisories are configured.
func New(cfg *config.Config, stores Stores, rdb redis.Cmdable) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if stores.Connections == nil || stores.EtlJobs == nil || stores.Facts == nil ||
		stores.Coverage == nil || stores.Operations == nil || stores.Jobs == nil {
		return nil, fmt.Errorf("every store is required")
	}
	a := &App{Config: cfg, Logger: logging.GetGlobalLogger(), Stores: stores}

	guard, err := newGuard(cfg, rdb, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Guard = guard

	breakers := circuitbreaker.NewRegistry(adapter.BreakerConfig())
	metaCaller, err := adapter.NewCaller(&adapter.CallerConfig{
		Platform:    types.PlatformMeta,
		Guard:       guard,
		HTTPClient:  &http.Client{Timeout: cfg.Meta.Timeout},
		Breakers:    breakers,
		Retry:       retry.DefaultRetryConfig(),
		PaceMaxWait: cfg.RateLimit.PaceMaxWait,
		Classify:    adapter.ClassifyMetaError,
	})
	if err != nil {
		return nil, fmt.Errorf("meta caller: %w", err)
	}
	if a.Meta, err = adapter.NewMetaClient(&adapter.MetaConfig{
		Caller:     metaCaller,
		BaseURL:    cfg.Meta.BaseURL,
		APIVersion: cfg.Meta.APIVersion,
	}); err != nil {
		return nil, fmt.Errorf("meta client: %w", err)
	}

	shopCaller, err := adapter.NewCaller(&adapter.CallerConfig{
		Platform:    types.PlatformShopify,
		Guard:       guard,
		HTTPClient:  &http.Client{Timeout: cfg.Shopify.Timeout},
		Breakers:    breakers,
		Retry:       retry.DefaultRetryConfig(),
		PaceMaxWait: cfg.RateLimit.PaceMaxWait,
	})
	if err != nil {
		return nil, fmt.Errorf("shopify caller: %w", err)
	}
	if a.Shopify, err = adapter.NewShopifyClient(&adapter.ShopifyConfig{
		Caller:        shopCaller,
		APIVersion:    cfg.Shopify.APIVersion,
		PageSize:      cfg.Shopify.PageSize,
		StatusMaxWait: cfg.RateLimit.BypassMaxWait,
	}); err != nil {
		return nil, fmt.Errorf("shopify client: %w", err)
	}

	if a.Queue, err = job.NewQueue(&job.Config{
		Store:       stores.Jobs,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff: retry.Backoff{
			Initial:    cfg.Queue.BackoffInitial,
			Max:        cfg.Queue.BackoffMax,
			Multiplier: 2,
		},
		MaxStalled:   cfg.Queue.MaxStalled,
		MaxDeferrals: cfg.Queue.MaxDeferrals,
	}); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	a.Ledger = service.NewLedger(stores.EtlJobs)
	if a.Sync, err = service.NewSyncService(&service.SyncServiceConfig{
		Connections:  stores.Connections,
		Queue:        a.Queue,
		Ledger:       a.Ledger,
		Facts:        stores.Facts,
		Coverage:     stores.Coverage,
		RateLimits:   guard,
		RecentDays:   cfg.Worker.RecentDays,
		LookbackDays: cfg.Backfill.LookbackDays,
	}); err != nil {
		return nil, fmt.Errorf("sync service: %w", err)
	}

	if a.Poller, err = poller.NewPoller(&poller.Config{
		Client:       a.Shopify,
		Operations:   stores.Operations,
		Connections:  stores.Connections,
		Queue:        a.Queue,
		Facts:        stores.Facts,
		Ledger:       a.Ledger,
		Coverage:     stores.Coverage,
		InitialDelay: cfg.Poller.InitialDelay,
		MaxDelay:     cfg.Poller.MaxDelay,
		Growth:       cfg.Poller.Growth,
		MaxAttempts:  cfg.Poller.MaxAttempts,
	}); err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}

	syncer, err := worker.NewRangeSyncer(&worker.RangeSyncerConfig{
		Meta:     a.Meta,
		Shopify:  a.Shopify,
		Facts:    stores.Facts,
		Coverage: stores.Coverage,
		Accounts: stores.Connections,
	})
	if err != nil {
		return nil, fmt.Errorf("range syncer: %w", err)
	}

	if a.Detector, err = backfill.NewDetector(&backfill.DetectorConfig{
		Connections:   stores.Connections,
		Facts:         stores.Facts,
		Coverage:      stores.Coverage,
		MinRowsPerDay: cfg.Backfill.MinRowsPerDay,
	}); err != nil {
		return nil, fmt.Errorf("gap detector: %w", err)
	}
	a.Planner = backfill.NewPlanner(&backfill.PlannerConfig{
		Threshold:       cfg.Backfill.Threshold,
		CriticalGapDays: cfg.Backfill.CriticalGapDays,
	})
	if a.Executor, err = backfill.NewExecutor(&backfill.ExecutorConfig{
		Connections:     stores.Connections,
		Syncer:          syncer,
		Chunks:          stores.Coverage,
		ChunkDays:       cfg.Backfill.ChunkDays,
		InterChunkDelay: cfg.Backfill.InterChunkDelay,
	}); err != nil {
		return nil, fmt.Errorf("backfill executor: %w", err)
	}
	if a.Reconnector, err = backfill.NewReconnector(&backfill.ReconnectConfig{
		Locks:     stores.Connections,
		Jobs:      a.Queue,
		Facts:     stores.Facts,
		Coverage:  stores.Coverage,
		Rebuilder: a.Sync,
		LockTTL:   cfg.Backfill.ReconnectLock,
	}); err != nil {
		return nil, fmt.Errorf("reconnector: %w", err)
	}
	if a.Auditor, err = service.NewGapAuditor(&service.GapAuditorConfig{
		Detector:     a.Detector,
		Planner:      a.Planner,
		Sync:         a.Sync,
		LookbackDays: cfg.Backfill.LookbackDays,
	}); err != nil {
		return nil, fmt.Errorf("gap auditor: %w", err)
	}

	if a.Handlers, err = worker.NewHandlers(&worker.HandlersConfig{
		Connections: stores.Connections,
		Syncer:      syncer,
		Meta:        a.Meta,
		Shopify:     a.Shopify,
		Facts:       stores.Facts,
		Bulk:        a.Poller,
		Detector:    a.Detector,
		Planner:     a.Planner,
		Executor:    a.Executor,
		Reconnector: a.Reconnector,
		RecentDays:  cfg.Worker.RecentDays,
	}); err != nil {
		return nil, fmt.Errorf("handlers: %w", err)
	}
	return a, nil
}

func newGuard(cfg *config.Config, rdb redis.Cmdable, logger *logging.Logger) (*ratelimit.Guard, error) {
	if cfg.RateLimit.Backend == ratelimit.BackendRedis && rdb == nil {
		return nil, fmt.Errorf("redis rate limit backend requires a redis connection")
	}
	limiter, err := ratelimit.New(cfg.RateLimit.Backend, &ratelimit.Config{
		MaxRequests:     cfg.RateLimit.MaxRequests,
		Window:          cfg.RateLimit.Window,
		MinInterval:     cfg.RateLimit.MinInterval,
		DefaultCooldown: cfg.RateLimit.DefaultCooldown,
	}, rdb)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	notifiers := ratelimit.MultiNotifier{ratelimit.NewLogNotifier(logger.Zap())}
	if cfg.RateLimit.AdvisoryChannel != "" && rdb != nil {
		pub, err := ratelimit.NewRedisAdvisoryPublisher(rdb, cfg.RateLimit.AdvisoryChannel)
		if err != nil {
			return nil, fmt.Errorf("advisory publisher: %w", err)
		}
		notifiers = append(notifiers, pub)
	}
	return ratelimit.NewGuard(&ratelimit.GuardConfig{Limiter: limiter, Notifier: notifiers})
}

// NewPool builds a worker pool running every registered job kind
func (a *App) NewPool(workerID string) (*worker.Pool, error) {
	registry := worker.NewRegistry()
	a.Handlers.Register(registry)
	return worker.NewPool(&worker.PoolConfig{
		Queue:             a.Queue,
		Registry:          registry,
		Ledger:            a.Ledger,
		Connections:       a.Stores.Connections,
		Status:            a.Sync,
		WorkerID:          workerID,
		Concurrency:       a.Config.Worker.Concurrency,
		PollInterval:      a.Config.Worker.PollInterval,
		JobTimeout:        a.Config.Worker.JobTimeout,
		HeartbeatInterval: a.Config.Worker.HeartbeatInterval,
		ReclaimInterval:   a.Config.Worker.ReclaimInterval,
		StallTimeout:      a.Config.Queue.StallTimeout,
	})
}

// NewScheduler builds the daily and audit triggers
func (a *App) NewScheduler() (*service.Scheduler, error) {
	return service.NewScheduler(&service.SchedulerConfig{
		Connections:   a.Stores.Connections,
		Sync:          a.Sync,
		Auditor:       a.Auditor,
		DailyHour:     a.Config.Scheduler.DailyHour,
		AuditInterval: a.Config.Scheduler.AuditInterval,
		AuditLookback: a.Config.Scheduler.AuditLookback,
		PageSize:      a.Config.Scheduler.TenantPageSize,
		Logger:        a.Logger.Zap(),
	})
}

// NewServer builds the HTTP API over the sync service
func (a *App) NewServer() (*api.Server, error) {
	return api.NewServer(&api.ServerConfig{
		Host:              a.Config.Server.Host,
		Port:              a.Config.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   a.Config.Server.ShutdownTimeout,
		RequestsPerSecond: a.Config.Server.RequestsPerSec,
		Burst:             a.Config.Server.Burst,
	}, api.Dependencies{
		Sync:   a.Sync,
		Ledger: a.Ledger,
		Gaps:   a.Auditor,
		Queue:  a.Queue,
	})
}

// Close releases the database connections opened by Open
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
