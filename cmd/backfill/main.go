// Package main provides the operator CLI for gap inspection and backfills.
//
// Usage:
//
//	backfill -tenant t1 -action inspect [-lookback 60] [-force]
//	backfill -tenant t1 -action audit            enqueue the planned backfill
//	backfill -tenant t1 -action run              execute the plan in this process
//	backfill -tenant t1 -action sync -scope full [-platform shopify]
//	backfill -tenant t1 -action status
//	backfill -tenant t1 -action chunks [-limit 50]  recent chunk outcomes
//	backfill -tenant t1 -action bulk -platform shopify  bulk exports still open
//	backfill -action daily                       trigger the daily recent sync once
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/brez-sync/internal/app"
	"github.com/brez-sync/internal/config"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/service"
	"github.com/brez-sync/internal/types"
)

func main() {
	var (
		action   = flag.String("action", "inspect", "Action: inspect, audit, run, sync, status, chunks, bulk, daily")
		tenant   = flag.String("tenant", "", "Tenant id")
		platform = flag.String("platform", "", "Limit to one platform: meta or shopify")
		scope    = flag.String("scope", string(types.ScopeRecent), "Sync scope for -action=sync")
		lookback = flag.Int("lookback", 0, "Lookback in days (default from config)")
		force    = flag.Bool("force", false, "Backfill every gap regardless of the threshold")
		limit    = flag.Int("limit", 50, "Rows listed by -action=chunks")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	if *action != "daily" && *tenant == "" {
		log.Fatal("-tenant is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to assemble sync components")
	}
	defer a.Close()

	out, err := run(ctx, a, *action, *tenant, types.Platform(*platform), types.SyncScope(*scope), *lookback, *limit, *force)
	if err != nil {
		logger.WithError(err).WithField("action", *action).Error("Backfill command failed")
		a.Close()
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Printf("Failed to print result: %v", err)
	}
}

func run(ctx context.Context, a *app.App, action, tenant string, platform types.Platform, scope types.SyncScope, lookback, limit int, force bool) (interface{}, error) {
	switch action {
	case "inspect":
		return a.Auditor.Inspect(ctx, tenant, lookback, force)

	case "audit":
		report, jobs, err := a.Auditor.Audit(ctx, tenant, lookback, force)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"report": report, "jobs": jobs}, nil

	case "run":
		report, err := a.Auditor.Inspect(ctx, tenant, lookback, force)
		if err != nil {
			return nil, err
		}
		if !report.Plan.ShouldBackfill {
			return map[string]interface{}{"report": report, "result": nil}, nil
		}
		result, err := a.Executor.Execute(ctx, tenant, report.Plan)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"report": report, "result": result}, nil

	case "sync":
		return a.Sync.RequestSync(ctx, tenant, service.SyncRequest{
			Scope:        scope,
			Platform:     platform,
			LookbackDays: lookback,
			Force:        force,
			Manual:       true,
		})

	case "status":
		return a.Sync.Status(ctx, tenant)

	case "chunks":
		return a.Stores.Coverage.ListChunks(ctx, tenant, limit)

	case "bulk":
		if platform == "" {
			platform = types.PlatformShopify
		}
		return a.Stores.Operations.ListOpen(ctx, tenant, platform)

	case "daily":
		sched, err := a.NewScheduler()
		if err != nil {
			return nil, err
		}
		return map[string]int{"enqueued": sched.RunDaily(ctx)}, nil

	default:
		return nil, fmt.Errorf("unknown action: %s", action)
	}
}
