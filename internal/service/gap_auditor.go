package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/brez-sync/internal/backfill"
	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
)

// GapDetector finds missing day ranges for a tenant
type GapDetector interface {
	DetectGaps(ctx context.Context, tenantID string, lookbackDays int) ([]models.DataGap, error)
}

// SyncRequester is the trigger the auditor enqueues through
type SyncRequester interface {
	RequestSync(ctx context.Context, tenantID string, req SyncRequest) (*SyncResponse, error)
}

// GapAuditor turns detected gaps into backfill jobs
type GapAuditor struct {
	detector     GapDetector
	planner      *backfill.Planner
	sync         SyncRequester
	lookbackDays int
}

// GapAuditorConfig holds configuration for the gap auditor
type GapAuditorConfig struct {
	Detector GapDetector
	Planner  *backfill.Planner
	Sync     SyncRequester
	// LookbackDays default: 30
	LookbackDays int
}

// NewGapAuditor creates a new gap auditor
func NewGapAuditor(cfg *GapAuditorConfig) (*GapAuditor, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Detector == nil || cfg.Sync == nil {
		return nil, errors.New("detector and sync requester are required")
	}
	a := &GapAuditor{
		detector:     cfg.Detector,
		planner:      cfg.Planner,
		sync:         cfg.Sync,
		lookbackDays: cfg.LookbackDays,
	}
	if a.planner == nil {
		a.planner = backfill.NewPlanner(nil)
	}
	if a.lookbackDays <= 0 {
		a.lookbackDays = DefaultLookbackDays
	}
	return a, nil
}

// GapReport is the result of inspecting a tenant's coverage
type GapReport struct {
	TenantID     string           `json:"tenantId"`
	LookbackDays int              `json:"lookbackDays"`
	Gaps         []models.DataGap `json:"gaps"`
	Plan         backfill.Plan    `json:"plan"`
}

// Inspect detects gaps and plans a backfill without enqueuing anything
func (a *GapAuditor) Inspect(ctx context.Context, tenantID string, lookbackDays int, force bool) (*GapReport, error) {
	if lookbackDays <= 0 {
		lookbackDays = a.lookbackDays
	}
	gaps, err := a.detector.DetectGaps(ctx, tenantID, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("failed to detect gaps: %w", err)
	}
	if gaps == nil {
		gaps = []models.DataGap{}
	}
	return &GapReport{
		TenantID:     tenantID,
		LookbackDays: lookbackDays,
		Gaps:         gaps,
		Plan:         a.planner.PlanBackfill(gaps, force),
	}, nil
}

// Audit inspects a tenant and enqueues one backfill job per platform that
// has gaps when the plan calls for it
func (a *GapAuditor) Audit(ctx context.Context, tenantID string, lookbackDays int, force bool) (*GapReport, []EnqueuedJob, error) {
	report, err := a.Inspect(ctx, tenantID, lookbackDays, force)
	if err != nil {
		return nil, nil, err
	}
	if !report.Plan.ShouldBackfill {
		return report, nil, nil
	}

	seen := make(map[types.Platform]bool)
	for _, g := range report.Plan.Gaps {
		seen[g.Platform] = true
	}
	platforms := make([]types.Platform, 0, len(seen))
	for p := range seen {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })

	var jobs []EnqueuedJob
	for _, p := range platforms {
		resp, err := a.sync.RequestSync(ctx, tenantID, SyncRequest{
			Scope:        types.ScopeBackfill,
			Platform:     p,
			LookbackDays: report.LookbackDays,
			Force:        force,
		})
		if apperrors.HasCode(err, apperrors.CodeReconnectInProgress) {
			// the rebuild covers this platform's history anyway
			logging.FromContext(ctx).WithField("platform", p).Info("Skipping backfill while reconnect is running")
			continue
		}
		if err != nil {
			return report, jobs, err
		}
		jobs = append(jobs, resp.Jobs...)
	}
	return report, jobs, nil
}
