package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/jackc/pgx/v5"
)

// FactStore writes normalized platform rows. Every write is an upsert on the
// natural key, so replaying a sync never duplicates rows.
type FactStore interface {
	Write(ctx context.Context, batch *models.FactBatch) (int64, error)
	// CountRowsByDay counts coverage rows (ad insights or orders) per day inside dr.
	CountRowsByDay(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange) (map[time.Time]int64, error)
	// Purge deletes every derived row of a tenant/platform and reports how many went.
	Purge(ctx context.Context, tenantID string, platform types.Platform) (int64, error)
}

var factTables = map[types.Platform][]string{
	types.PlatformMeta:    {"meta_ad_insights", "meta_demographics", "meta_campaigns"},
	types.PlatformShopify: {"shopify_orders", "shopify_checkouts", "shopify_customers", "shopify_products"},
}

var coverageTables = map[types.Platform]string{
	types.PlatformMeta:    "meta_ad_insights",
	types.PlatformShopify: "shopify_orders",
}

// NewFactStore picks the backend named by cfg ("postgres" or "clickhouse")
func NewFactStore(backend string, pg *PostgresDB, ch *ClickHouseDB) (FactStore, error) {
	switch backend {
	case "", "postgres":
		if pg == nil {
			return nil, fmt.Errorf("postgres fact store requires a postgres connection")
		}
		return NewPostgresFactStore(pg), nil
	case "clickhouse":
		if ch == nil {
			return nil, fmt.Errorf("clickhouse fact store requires a clickhouse connection")
		}
		return NewClickHouseFactStore(ch), nil
	default:
		return nil, fmt.Errorf("unknown fact store backend: %s", backend)
	}
}

// PostgresFactStore keeps facts next to the operational tables
type PostgresFactStore struct {
	db *PostgresDB
}

// NewPostgresFactStore creates a Postgres-backed fact store
func NewPostgresFactStore(db *PostgresDB) *PostgresFactStore {
	return &PostgresFactStore{db: db}
}

const (
	upsertInsightSQL = `
		INSERT INTO meta_ad_insights (tenant_id, ad_id, day, account_id, campaign_id, adset_id,
			spend, impressions, clicks, conversions, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, ad_id, day) DO UPDATE SET
			account_id = EXCLUDED.account_id, campaign_id = EXCLUDED.campaign_id,
			adset_id = EXCLUDED.adset_id, spend = EXCLUDED.spend,
			impressions = EXCLUDED.impressions, clicks = EXCLUDED.clicks,
			conversions = EXCLUDED.conversions, synced_at = EXCLUDED.synced_at`

	upsertDemographicSQL = `
		INSERT INTO meta_demographics (tenant_id, account_id, day, age, gender, spend,
			impressions, clicks, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, account_id, day, age, gender) DO UPDATE SET
			spend = EXCLUDED.spend, impressions = EXCLUDED.impressions,
			clicks = EXCLUDED.clicks, synced_at = EXCLUDED.synced_at`

	upsertCampaignSQL = `
		INSERT INTO meta_campaigns (tenant_id, level, id, day, account_id, parent_id, name,
			status, daily_budget, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, level, id, day) DO UPDATE SET
			parent_id = EXCLUDED.parent_id, name = EXCLUDED.name, status = EXCLUDED.status,
			daily_budget = EXCLUDED.daily_budget, synced_at = EXCLUDED.synced_at`

	upsertOrderSQL = `
		INSERT INTO shopify_orders (tenant_id, order_id, day, name, created_at, total_price,
			currency, customer_id, line_count, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, order_id, day) DO UPDATE SET
			name = EXCLUDED.name, total_price = EXCLUDED.total_price,
			currency = EXCLUDED.currency, customer_id = EXCLUDED.customer_id,
			line_count = EXCLUDED.line_count, synced_at = EXCLUDED.synced_at`

	upsertCheckoutSQL = `
		INSERT INTO shopify_checkouts (tenant_id, checkout_id, day, email, total_price, currency,
			created_at, completed_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, checkout_id, day) DO UPDATE SET
			email = EXCLUDED.email, total_price = EXCLUDED.total_price,
			currency = EXCLUDED.currency, completed_at = EXCLUDED.completed_at,
			synced_at = EXCLUDED.synced_at`

	upsertCustomerSQL = `
		INSERT INTO shopify_customers (tenant_id, customer_id, day, email, orders_count,
			total_spent, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, customer_id, day) DO UPDATE SET
			email = EXCLUDED.email, orders_count = EXCLUDED.orders_count,
			total_spent = EXCLUDED.total_spent, synced_at = EXCLUDED.synced_at`

	upsertProductSQL = `
		INSERT INTO shopify_products (tenant_id, product_id, day, title, status, vendor, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, product_id, day) DO UPDATE SET
			title = EXCLUDED.title, status = EXCLUDED.status,
			vendor = EXCLUDED.vendor, synced_at = EXCLUDED.synced_at`
)

// Write upserts the batch in one round trip inside a transaction
func (s *PostgresFactStore) Write(ctx context.Context, fb *models.FactBatch) (int64, error) {
	if fb == nil || fb.Len() == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	batch := &pgx.Batch{}
	for _, r := range fb.Insights {
		k := r.Key()
		batch.Queue(upsertInsightSQL, k.TenantID, r.AdID, k.Date, r.AccountID, r.CampaignID, r.AdSetID,
			r.Spend, r.Impressions, r.Clicks, r.Conversions, now)
	}
	for _, r := range fb.Demographics {
		batch.Queue(upsertDemographicSQL, r.TenantID, r.AccountID, types.Day(r.Date), r.Age, r.Gender,
			r.Spend, r.Impressions, r.Clicks, now)
	}
	for _, c := range fb.Campaigns {
		batch.Queue(upsertCampaignSQL, c.TenantID, c.Level, c.ID, types.Day(c.UpdatedAt), c.AccountID,
			c.ParentID, c.Name, c.Status, c.DailyBudget, now)
	}
	for _, o := range fb.Orders {
		batch.Queue(upsertOrderSQL, o.TenantID, o.OrderID, types.Day(o.CreatedAt), o.Name, o.CreatedAt,
			o.TotalPrice, o.Currency, o.CustomerID, o.LineCount, now)
	}
	for _, c := range fb.Checkouts {
		batch.Queue(upsertCheckoutSQL, c.TenantID, c.CheckoutID, types.Day(c.CreatedAt), c.Email,
			c.TotalPrice, c.Currency, c.CreatedAt, c.CompletedAt, now)
	}
	for _, c := range fb.Customers {
		batch.Queue(upsertCustomerSQL, c.TenantID, c.CustomerID, types.Day(c.CreatedAt), c.Email,
			c.OrdersCount, c.TotalSpent, now)
	}
	for _, p := range fb.Products {
		batch.Queue(upsertProductSQL, p.TenantID, p.ProductID, types.Day(p.CreatedAt), p.Title,
			p.Status, p.Vendor, now)
	}

	var written int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to upsert fact row: %w", err)
			}
			written += tag.RowsAffected()
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// CountRowsByDay counts coverage rows per day
func (s *PostgresFactStore) CountRowsByDay(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange) (map[time.Time]int64, error) {
	table, ok := coverageTables[platform]
	if !ok {
		return nil, fmt.Errorf("no coverage table for platform %s", platform)
	}
	query := fmt.Sprintf(`
		SELECT day, COUNT(*) FROM %s
		WHERE tenant_id = $1 AND day BETWEEN $2 AND $3
		GROUP BY day`, table)

	rows, err := s.db.Pool().Query(ctx, query, tenantID, dr.Start, dr.End)
	if err != nil {
		return nil, fmt.Errorf("failed to count rows by day: %w", err)
	}
	defer rows.Close()

	out := make(map[time.Time]int64)
	for rows.Next() {
		var day time.Time
		var n int64
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("failed to scan day count: %w", err)
		}
		out[types.Day(day)] = n
	}
	return out, rows.Err()
}

// Purge removes every fact row of the tenant/platform in one transaction
func (s *PostgresFactStore) Purge(ctx context.Context, tenantID string, platform types.Platform) (int64, error) {
	var deleted int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, table := range factTables[platform] {
			tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1`, table), tenantID)
			if err != nil {
				return fmt.Errorf("failed to purge %s: %w", table, err)
			}
			deleted += tag.RowsAffected()
		}
		return nil
	})
	return deleted, err
}
