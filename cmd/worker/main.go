// Package main provides the sync worker entry point. A worker claims jobs
// from the shared queue and runs them until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brez-sync/internal/app"
	"github.com/brez-sync/internal/config"
	"github.com/brez-sync/internal/logging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		workerID    = flag.String("id", "", "Worker id used for job claims (default: hostname plus a random suffix)")
		metricsAddr = flag.String("metrics-addr", ":9091", "Listen address of the /metrics endpoint; empty disables it")
		scheduler   = flag.Bool("scheduler", false, "Also run the daily and gap-audit triggers in this process")
	)
	flag.Parse()

	fmt.Println("Sync Worker")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	if *workerID == "" {
		*workerID = defaultWorkerID()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to assemble sync components")
	}
	defer a.Close()

	pool, err := a.NewPool(*workerID)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create worker pool")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := pool.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.JobTimeout)
		defer cancel()
		return pool.Stop(stopCtx)
	})

	if *scheduler {
		sched, err := a.NewScheduler()
		if err != nil {
			logger.WithError(err).Fatal("Failed to create scheduler")
		}
		g.Go(func() error {
			if err := sched.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return sched.Stop(stopCtx)
		})
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.WithFields(map[string]interface{}{
		"workerId":     *workerID,
		"concurrency":  cfg.Worker.Concurrency,
		"metricsAddr":  *metricsAddr,
		"runScheduler": *scheduler,
	}).Info("Worker started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Worker exited with error")
		a.Close()
		os.Exit(1)
	}
	logger.Info("Worker exited")
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
