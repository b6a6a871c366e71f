// Package api provides the HTTP trigger and status surface of the sync service.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/brez-sync/internal/job"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/service"
	"github.com/brez-sync/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service interfaces for dependency injection and testing

// SyncAPI triggers syncs and manages connections
type SyncAPI interface {
	RequestSync(ctx context.Context, tenantID string, req service.SyncRequest) (*service.SyncResponse, error)
	Status(ctx context.Context, tenantID string) (*service.TenantSyncStatus, error)
	RegisterConnection(ctx context.Context, in service.RegisterConnectionInput) (*models.PlatformConnection, *service.SyncResponse, error)
	Disconnect(ctx context.Context, tenantID string, platform types.Platform) (*service.DisconnectResult, error)
}

// LedgerReader lists ETL job records
type LedgerReader interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.EtlJobRecord, error)
}

// GapInspector reports gaps without acting on them
type GapInspector interface {
	Inspect(ctx context.Context, tenantID string, lookbackDays int, force bool) (*service.GapReport, error)
}

// QueueStats reports queue depth
type QueueStats interface {
	Stats(ctx context.Context) (job.Stats, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	sync       SyncAPI
	ledger     LedgerReader
	gaps       GapInspector
	queue      QueueStats
	validate   *validator.Validate
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSecond and Burst bound each client's request rate
	RequestsPerSecond float64
	Burst             int
}

// Dependencies are the services behind the routes. Gaps and Queue are
// optional; their routes answer 503 without them.
type Dependencies struct {
	Sync   SyncAPI
	Ledger LedgerReader
	Gaps   GapInspector
	Queue  QueueStats
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) (*Server, error) {
	if config == nil {
		return nil, errors.New("configuration is required")
	}
	if deps.Sync == nil || deps.Ledger == nil {
		return nil, errors.New("sync service and ledger are required")
	}
	s := &Server{
		router:   mux.NewRouter(),
		sync:     deps.Sync,
		ledger:   deps.Ledger,
		gaps:     deps.Gaps,
		queue:    deps.Queue,
		validate: validator.New(),
		config:   config,
	}

	s.setupRouter()

	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rps := s.config.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	rateLimiter := NewRateLimiter(rps, s.config.Burst)

	// order matters: recovery must see panics from everything after it
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	tenant := api.PathPrefix("/tenants/{tenantId}").Subrouter()
	tenant.HandleFunc("/sync", s.handleRequestSync).Methods("POST")
	tenant.HandleFunc("/sync/status", s.handleSyncStatus).Methods("GET")
	tenant.HandleFunc("/etl-jobs", s.handleListEtlJobs).Methods("GET")
	tenant.HandleFunc("/gaps", s.handleGaps).Methods("GET")
	tenant.HandleFunc("/connections", s.handleRegisterConnection).Methods("POST")
	tenant.HandleFunc("/connections/{platform}", s.handleDisconnect).Methods("DELETE")

	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
}

// Handler exposes the routed handler, used by tests and embedding servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "brez-sync",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}
