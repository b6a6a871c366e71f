// Package main provides the API server entry point for the sync service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/brez-sync/internal/app"
	"github.com/brez-sync/internal/config"
	"github.com/brez-sync/internal/logging"
)

func main() {
	fmt.Println("Sync API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Connecting to databases...")
	a, err := app.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to assemble sync components")
	}
	defer a.Close()

	server, err := a.NewServer()
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	// The scheduler runs next to the API unless a dedicated process owns it
	if cfg.Scheduler.Enabled {
		scheduler, err := a.NewScheduler()
		if err != nil {
			logger.WithError(err).Fatal("Failed to create scheduler")
		}
		if err := scheduler.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start scheduler")
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := scheduler.Stop(stopCtx); err != nil {
				logger.WithError(err).Warn("Scheduler did not stop cleanly")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("Server failed")
		}
	}

	logger.Info("Shutting down server...")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	logger.Info("Server exited")
}
