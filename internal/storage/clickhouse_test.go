package storage

import (
	"testing"
	"time"

	"github.com/brez-sync/internal/config"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClickHouse(t *testing.T) *ClickHouseDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	db, err := NewClickHouseDB(&config.ClickHouseConfig{
		Host:     envOr("CLICKHOUSE_HOST", "localhost"),
		Port:     envOr("CLICKHOUSE_PORT", "9000"),
		Database: envOr("CLICKHOUSE_DB", "default"),
		User:     envOr("CLICKHOUSE_USER", "default"),
		Password: envOr("CLICKHOUSE_PASSWORD", ""),
	})
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, RunClickHouseMigrations(testContext(t), db, "../../"+DefaultClickHouseMigrations))
	return db
}

func TestClickHouseFactStore_ReplacingWrites(t *testing.T) {
	db := setupClickHouse(t)
	ctx := testContext(t)
	store := NewClickHouseFactStore(db)
	tenant := "it-" + uuid.NewString()
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	batch := &models.FactBatch{Insights: []models.MetaInsightRow{
		{TenantID: tenant, AccountID: "act_1", AdID: "ad_1", Date: day, Spend: decimal.RequireFromString("12.3400"), Impressions: 100},
		{TenantID: tenant, AccountID: "act_1", AdID: "ad_2", Date: day, Spend: decimal.Zero, Impressions: 3},
	}}
	_, err := store.Write(ctx, batch)
	require.NoError(t, err)
	_, err = store.Write(ctx, batch)
	require.NoError(t, err)

	counts, err := store.CountRowsByDay(ctx, tenant, types.PlatformMeta, types.NewDateRange(day, day))
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[day])

	_, err = store.Purge(ctx, tenant, types.PlatformMeta)
	require.NoError(t, err)
	counts, err = store.CountRowsByDay(ctx, tenant, types.PlatformMeta, types.NewDateRange(day, day))
	require.NoError(t, err)
	assert.Zero(t, counts[day])
}
