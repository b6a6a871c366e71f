package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
)

// ClickHouseFactStore writes facts into ReplacingMergeTree tables ordered by
// the natural key; duplicates collapse on merge and reads use FINAL.
type ClickHouseFactStore struct {
	db *ClickHouseDB
}

// NewClickHouseFactStore creates a ClickHouse-backed fact store
func NewClickHouseFactStore(db *ClickHouseDB) *ClickHouseFactStore {
	return &ClickHouseFactStore{db: db}
}

func nonNegative(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Write sends one batch per non-empty table
func (s *ClickHouseFactStore) Write(ctx context.Context, fb *models.FactBatch) (int64, error) {
	if fb == nil || fb.Len() == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	var written int64

	send := func(table string, n int, row func(i int) []any) error {
		if err := s.db.InsertRows(ctx, table, n, row); err != nil {
			return err
		}
		written += int64(n)
		return nil
	}

	err := send("meta_ad_insights", len(fb.Insights), func(i int) []any {
		r := fb.Insights[i]
		return []any{r.TenantID, r.AdID, types.Day(r.Date), r.AccountID, r.CampaignID, r.AdSetID,
			r.Spend, nonNegative(r.Impressions), nonNegative(r.Clicks), nonNegative(r.Conversions), now}
	})
	if err == nil {
		err = send("meta_demographics", len(fb.Demographics), func(i int) []any {
			r := fb.Demographics[i]
			return []any{r.TenantID, r.AccountID, types.Day(r.Date), r.Age, r.Gender, r.Spend,
				nonNegative(r.Impressions), nonNegative(r.Clicks), now}
		})
	}
	if err == nil {
		err = send("meta_campaigns", len(fb.Campaigns), func(i int) []any {
			c := fb.Campaigns[i]
			return []any{c.TenantID, c.Level, c.ID, types.Day(c.UpdatedAt), c.AccountID, c.ParentID,
				c.Name, c.Status, c.DailyBudget, now}
		})
	}
	if err == nil {
		err = send("shopify_orders", len(fb.Orders), func(i int) []any {
			o := fb.Orders[i]
			return []any{o.TenantID, o.OrderID, types.Day(o.CreatedAt), o.Name, o.CreatedAt,
				o.TotalPrice, o.Currency, o.CustomerID, uint32(o.LineCount), now} // #nosec G115 - line counts are small
		})
	}
	if err == nil {
		err = send("shopify_checkouts", len(fb.Checkouts), func(i int) []any {
			c := fb.Checkouts[i]
			return []any{c.TenantID, c.CheckoutID, types.Day(c.CreatedAt), c.Email, c.TotalPrice,
				c.Currency, c.CreatedAt, c.CompletedAt, now}
		})
	}
	if err == nil {
		err = send("shopify_customers", len(fb.Customers), func(i int) []any {
			c := fb.Customers[i]
			return []any{c.TenantID, c.CustomerID, types.Day(c.CreatedAt), c.Email,
				uint32(c.OrdersCount), c.TotalSpent, now} // #nosec G115 - order counts are small
		})
	}
	if err == nil {
		err = send("shopify_products", len(fb.Products), func(i int) []any {
			p := fb.Products[i]
			return []any{p.TenantID, p.ProductID, types.Day(p.CreatedAt), p.Title, p.Status, p.Vendor, now}
		})
	}
	return written, err
}

// CountRowsByDay counts deduplicated coverage rows per day
func (s *ClickHouseFactStore) CountRowsByDay(ctx context.Context, tenantID string, platform types.Platform, dr types.DateRange) (map[time.Time]int64, error) {
	table, ok := coverageTables[platform]
	if !ok {
		return nil, fmt.Errorf("no coverage table for platform %s", platform)
	}
	query := fmt.Sprintf(`
		SELECT day, count() FROM %s FINAL
		WHERE tenant_id = ? AND day BETWEEN ? AND ?
		GROUP BY day`, table)

	rows, err := s.db.Conn().Query(ctx, query, tenantID, dr.Start, dr.End)
	if err != nil {
		return nil, fmt.Errorf("failed to count rows by day: %w", err)
	}
	defer rows.Close()

	out := make(map[time.Time]int64)
	for rows.Next() {
		var day time.Time
		var n uint64
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("failed to scan day count: %w", err)
		}
		out[types.Day(day)] = int64(n) // #nosec G115 - per-day counts fit in int64
	}
	return out, rows.Err()
}

// Purge issues synchronous delete mutations for every fact table of the platform
func (s *ClickHouseFactStore) Purge(ctx context.Context, tenantID string, platform types.Platform) (int64, error) {
	var deleted int64
	for _, table := range factTables[platform] {
		var n uint64
		if err := s.db.Conn().QueryRow(ctx, fmt.Sprintf(`SELECT count() FROM %s WHERE tenant_id = ?`, table), tenantID).Scan(&n); err != nil {
			return deleted, fmt.Errorf("failed to count %s: %w", table, err)
		}
		if err := s.db.MutateSync(ctx, fmt.Sprintf(`ALTER TABLE %s DELETE WHERE tenant_id = ?`, table), tenantID); err != nil {
			return deleted, fmt.Errorf("failed to purge %s: %w", table, err)
		}
		deleted += int64(n) // #nosec G115 - row counts fit in int64
	}
	return deleted, nil
}
