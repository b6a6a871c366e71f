package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brez-sync/internal/adapter"
	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/metrics"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
)

// MetaAPI is the ads platform surface the handlers use
type MetaAPI interface {
	DiscoverAdAccounts(ctx context.Context, conn *models.PlatformConnection) ([]adapter.AdAccount, error)
	FetchInsights(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) ([]models.MetaInsightRow, error)
	FetchDemographics(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) ([]models.MetaDemographicRow, error)
	FetchCampaignTree(ctx context.Context, conn *models.PlatformConnection) ([]models.MetaCampaign, error)
}

// ShopifyAPI is the commerce platform surface the handlers use
type ShopifyAPI interface {
	FetchOrdersInRange(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) ([]models.ShopifyOrder, error)
	FetchCheckoutsInRange(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) ([]models.ShopifyCheckout, error)
	FetchCustomers(ctx context.Context, conn *models.PlatformConnection, since time.Time) ([]models.ShopifyCustomer, error)
}

// FactWriter upserts fact rows
type FactWriter interface {
	Write(ctx context.Context, batch *models.FactBatch) (int64, error)
}

// CoverageRecorder records which days a sync attempted
type CoverageRecorder interface {
	RecordSync(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange, rowsByDay map[time.Time]int64, succeeded bool, at time.Time) error
}

// AccountStore persists a discovered ad account on the connection
type AccountStore interface {
	Upsert(ctx context.Context, c *models.PlatformConnection) error
}

// metaAccountActive is the ad account status code for an active account
const metaAccountActive = 1

// RangeSyncerConfig holds configuration for the range syncer
type RangeSyncerConfig struct {
	// Meta and Shopify are each optional; a missing client fails its platform's jobs
	Meta     MetaAPI
	Shopify  ShopifyAPI
	Facts    FactWriter
	Coverage CoverageRecorder
	Accounts AccountStore
	Now      func() time.Time
}

// RangeSyncer pulls the day-keyed facts of one connection for a date range
// and records the day coverage. Recent syncs and backfill chunks share it.
type RangeSyncer struct {
	meta     MetaAPI
	shopify  ShopifyAPI
	facts    FactWriter
	coverage CoverageRecorder
	accounts AccountStore
	now      func() time.Time
}

// NewRangeSyncer creates a range syncer
func NewRangeSyncer(cfg *RangeSyncerConfig) (*RangeSyncer, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Facts == nil || cfg.Coverage == nil {
		return nil, errors.New("fact writer and coverage recorder are required")
	}
	if cfg.Meta == nil && cfg.Shopify == nil {
		return nil, errors.New("at least one platform client is required")
	}
	s := &RangeSyncer{
		meta:     cfg.Meta,
		shopify:  cfg.Shopify,
		facts:    cfg.Facts,
		coverage: cfg.Coverage,
		accounts: cfg.Accounts,
		now:      cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// SyncRange fetches and stores the facts of dr. A failed fetch is still
// recorded as an unsuccessful attempt so the gap detector keeps the days.
func (s *RangeSyncer) SyncRange(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) (int64, error) {
	batch, rowsByDay, err := s.fetch(ctx, conn, dr)
	if err != nil {
		s.record(ctx, conn, dr, nil, false)
		return 0, err
	}
	n, err := s.write(ctx, conn, batch)
	if err != nil {
		s.record(ctx, conn, dr, nil, false)
		return 0, err
	}
	s.record(ctx, conn, dr, rowsByDay, true)
	return n, nil
}

func (s *RangeSyncer) fetch(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange) (*models.FactBatch, map[time.Time]int64, error) {
	rowsByDay := make(map[time.Time]int64)
	batch := &models.FactBatch{}

	switch conn.Platform {
	case types.PlatformMeta:
		if s.meta == nil {
			return nil, nil, unconfigured(conn.Platform)
		}
		if err := s.ensureAdAccount(ctx, conn); err != nil {
			return nil, nil, err
		}
		rows, err := s.meta.FetchInsights(ctx, conn, dr)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range rows {
			rowsByDay[types.Day(r.Date)]++
		}
		batch.Insights = rows

	case types.PlatformShopify:
		if s.shopify == nil {
			return nil, nil, unconfigured(conn.Platform)
		}
		orders, err := s.shopify.FetchOrdersInRange(ctx, conn, dr)
		if err != nil {
			return nil, nil, err
		}
		for _, o := range orders {
			rowsByDay[types.Day(o.CreatedAt)]++
		}
		checkouts, err := s.shopify.FetchCheckoutsInRange(ctx, conn, dr)
		if err != nil {
			return nil, nil, err
		}
		batch.Orders = orders
		batch.Checkouts = checkouts

	default:
		return nil, nil, unconfigured(conn.Platform)
	}
	return batch, rowsByDay, nil
}

// ensureAdAccount picks the first active ad account when the connection has
// none yet and stores it
func (s *RangeSyncer) ensureAdAccount(ctx context.Context, conn *models.PlatformConnection) error {
	if conn.ExternalAccountID != "" {
		return nil
	}
	accounts, err := s.meta.DiscoverAdAccounts(ctx, conn)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if a.Status != metaAccountActive {
			continue
		}
		conn.ExternalAccountID = a.ID
		if s.accounts != nil {
			if err := s.accounts.Upsert(ctx, conn); err != nil {
				return fmt.Errorf("failed to store ad account: %w", err)
			}
		}
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"accountId": a.ID,
			"name":      a.Name,
		}).Info("Discovered ad account")
		return nil
	}
	return apperrors.NewPermanentError("NO_AD_ACCOUNT", fmt.Sprintf("no active ad account among %d discovered", len(accounts)), nil)
}

func (s *RangeSyncer) write(ctx context.Context, conn *models.PlatformConnection, batch *models.FactBatch) (int64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	n, err := s.facts.Write(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to write facts: %w", err)
	}
	countRows(conn.Platform, batch)
	return n, nil
}

func (s *RangeSyncer) record(ctx context.Context, conn *models.PlatformConnection, dr types.DateRange, rowsByDay map[time.Time]int64, ok bool) {
	if err := s.coverage.RecordSync(context.WithoutCancel(ctx), conn.TenantID, conn.Platform, dr, rowsByDay, ok, s.now()); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record day coverage")
	}
}

func unconfigured(p types.Platform) error {
	return apperrors.NewPermanentError("PLATFORM_UNCONFIGURED", fmt.Sprintf("no client configured for %s", p), nil)
}

func countRows(p types.Platform, b *models.FactBatch) {
	add := func(e types.Entity, n int) {
		if n > 0 {
			metrics.RowsWrittenTotal.WithLabelValues(string(p), string(e)).Add(float64(n))
		}
	}
	add(types.EntityInsights, len(b.Insights))
	add(types.EntityDemographics, len(b.Demographics))
	add(types.EntityCampaigns, len(b.Campaigns))
	add(types.EntityOrders, len(b.Orders))
	add(types.EntityCheckouts, len(b.Checkouts))
	add(types.EntityCustomers, len(b.Customers))
	add(types.EntityProducts, len(b.Products))
}
