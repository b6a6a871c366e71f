// Package backfill finds missing days in the synced data, decides whether
// they warrant a backfill, and executes backfills and full reconnects.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/metrics"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
)

// DefaultMinRowsPerDay is the row count below which a day counts as missing
const DefaultMinRowsPerDay = 1

// ConnectionLister lists a tenant's connections
type ConnectionLister interface {
	ListByTenant(ctx context.Context, tenantID string) ([]*models.PlatformConnection, error)
}

// RowCounter counts fact rows per day
type RowCounter interface {
	CountRowsByDay(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange) (map[time.Time]int64, error)
}

// CoverageReader reads the per-day sync ledger
type CoverageReader interface {
	SyncDays(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange) (map[time.Time]models.SyncDay, error)
}

// DetectorConfig holds configuration for the detector
type DetectorConfig struct {
	Connections ConnectionLister
	Facts       RowCounter
	// Coverage is optional; without it every day below the row minimum is missing
	Coverage      CoverageReader
	MinRowsPerDay int
	Now           func() time.Time
}

// Detector finds gaps in a tenant's synced data
type Detector struct {
	conns    ConnectionLister
	facts    RowCounter
	coverage CoverageReader
	minRows  int64
	now      func() time.Time
}

// NewDetector creates a detector
func NewDetector(cfg *DetectorConfig) (*Detector, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Connections == nil || cfg.Facts == nil {
		return nil, errors.New("connection lister and row counter are required")
	}
	if cfg.MinRowsPerDay < 0 {
		return nil, errors.New("min rows per day cannot be negative")
	}
	d := &Detector{
		conns:    cfg.Connections,
		facts:    cfg.Facts,
		coverage: cfg.Coverage,
		minRows:  int64(cfg.MinRowsPerDay),
		now:      cfg.Now,
	}
	if d.minRows == 0 {
		d.minRows = DefaultMinRowsPerDay
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// Window is the lookback window ending yesterday; today is still filling in
func (d *Detector) Window(lookbackDays int) types.DateRange {
	end := types.Day(d.now()).AddDate(0, 0, -1)
	return types.NewDateRange(end.AddDate(0, 0, -(lookbackDays-1)), end)
}

// Coverage returns what is known about every day of dr
func (d *Detector) Coverage(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange) ([]models.DayCoverage, error) {
	rows, err := d.facts.CountRowsByDay(ctx, tenantID, platform, dr)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s rows: %w", platform, err)
	}
	var synced map[time.Time]models.SyncDay
	if d.coverage != nil {
		if synced, err = d.coverage.SyncDays(ctx, tenantID, platform, dr); err != nil {
			return nil, fmt.Errorf("failed to read %s sync days: %w", platform, err)
		}
	}
	out := make([]models.DayCoverage, 0, dr.Days())
	for _, day := range dr.Dates() {
		out = append(out, models.DayCoverage{
			Date:      day,
			Rows:      rows[day],
			Attempted: synced[day].Succeeded,
		})
	}
	return out, nil
}

// MissingDays returns the days with fewer than minRows rows that no
// successful sync has vouched for
func MissingDays(days []models.DayCoverage, minRows int64) []time.Time {
	var out []time.Time
	for _, c := range days {
		if c.Rows >= minRows || c.Attempted {
			continue
		}
		out = append(out, c.Date)
	}
	return out
}

// MergeDates folds days into contiguous gaps. Input order and duplicates do
// not matter.
func MergeDates(platform types.Platform, dates []time.Time) []models.DataGap {
	if len(dates) == 0 {
		return nil
	}
	days := make([]time.Time, 0, len(dates))
	seen := make(map[time.Time]bool, len(dates))
	for _, t := range dates {
		day := types.Day(t)
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var gaps []models.DataGap
	start, prev := days[0], days[0]
	flush := func() {
		gaps = append(gaps, models.DataGap{
			Platform: platform,
			Start:    start,
			End:      prev,
			Days:     types.NewDateRange(start, prev).Days(),
		})
	}
	for _, day := range days[1:] {
		if day.Equal(prev.AddDate(0, 0, 1)) {
			prev = day
			continue
		}
		flush()
		start, prev = day, day
	}
	flush()
	return gaps
}

// DetectGaps scans every active connection of the tenant over the lookback
// window and returns merged gaps, ordered by platform then start date
func (d *Detector) DetectGaps(ctx context.Context, tenantID string, lookbackDays int) ([]models.DataGap, error) {
	if lookbackDays <= 0 {
		return nil, errors.New("lookback days must be positive")
	}
	conns, err := d.conns.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	window := d.Window(lookbackDays)

	var gaps []models.DataGap
	for _, conn := range conns {
		if !conn.IsActive() {
			continue
		}
		days, err := d.Coverage(ctx, tenantID, conn.Platform, window)
		if err != nil {
			return nil, err
		}
		missing := MissingDays(days, d.minRows)
		metrics.MissingDays.WithLabelValues(string(conn.Platform)).Observe(float64(len(missing)))
		gaps = append(gaps, MergeDates(conn.Platform, missing)...)
	}

	sort.SliceStable(gaps, func(i, j int) bool {
		if gaps[i].Platform != gaps[j].Platform {
			return gaps[i].Platform < gaps[j].Platform
		}
		return gaps[i].Start.Before(gaps[j].Start)
	})
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"tenantId":     tenantID,
		"lookbackDays": lookbackDays,
		"gaps":         len(gaps),
	}).Debug("Gap detection finished")
	return gaps, nil
}
