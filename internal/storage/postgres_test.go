package storage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/job"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestConnection(t *testing.T, db *PostgresDB, platform types.Platform) *models.PlatformConnection {
	t.Helper()
	c := &models.PlatformConnection{
		TenantID:      "it-" + uuid.NewString(),
		Platform:      platform,
		CredentialRef: "secret://token",
		Status:        types.ConnectionActive,
	}
	require.NoError(t, NewConnectionRepository(db).Upsert(testContext(t), c))
	return c
}

func TestSyncJobRepository_ClaimDue(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := testContext(t)
	repo := NewSyncJobRepository(db)
	conn := createTestConnection(t, db, types.PlatformShopify)
	now := time.Now().UTC().Truncate(time.Millisecond)

	low := models.NewSyncJob(conn.TenantID, conn.ID, conn.Platform, types.KindBackfill)
	low.Priority = 10
	high := models.NewSyncJob(conn.TenantID, conn.ID, conn.Platform, types.KindRecentSync)
	high.Priority = 100
	later := models.NewSyncJob(conn.TenantID, conn.ID, conn.Platform, types.KindRecentSync)
	later.Priority = 100
	low.RunAt, high.RunAt = now, now
	later.RunAt = now.Add(time.Hour)
	for _, j := range []*models.SyncJob{low, high, later} {
		require.NoError(t, repo.Insert(ctx, j))
	}

	claimed, err := repo.ClaimDue(ctx, "worker-a", now.Add(time.Second), 10)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, j := range claimed {
		if j.TenantID == conn.TenantID {
			ids = append(ids, j.ID)
			assert.Equal(t, types.JobActive, j.State)
			assert.Equal(t, 1, j.Attempts)
			assert.Equal(t, models.DefaultBackoffPolicy(), j.Backoff)
		}
	}
	assert.Equal(t, []uuid.UUID{high.ID, low.ID}, ids)

	open, err := repo.FindOpen(ctx, conn.TenantID, conn.Platform, types.KindRecentSync)
	require.NoError(t, err)
	require.NotNil(t, open)

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestSyncJobRepository_ConcurrentClaimsDoNotOverlap(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := testContext(t)
	repo := NewSyncJobRepository(db)
	conn := createTestConnection(t, db, types.PlatformMeta)

	for i := 0; i < 20; i++ {
		require.NoError(t, repo.Insert(ctx, models.NewSyncJob(conn.TenantID, conn.ID, conn.Platform, types.KindRecentSync)))
	}

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			jobs, err := repo.ClaimDue(ctx, uuid.NewString(), time.Now().Add(time.Second), 10)
			assert.NoError(t, err)
			mu.Lock()
			for _, j := range jobs {
				seen[j.ID]++
			}
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestSyncJobRepository_SettleRequiresClaim(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := testContext(t)
	repo := NewSyncJobRepository(db)
	conn := createTestConnection(t, db, types.PlatformShopify)

	j := models.NewSyncJob(conn.TenantID, conn.ID, conn.Platform, types.KindRecentSync)
	j.RunAt = time.Now().UTC().Add(-time.Second)
	require.NoError(t, repo.Insert(ctx, j))
	reconnect := models.NewSyncJob(conn.TenantID, conn.ID, conn.Platform, types.KindFullReconnect)
	reconnect.Exclusive = true
	reconnect.RunAt = j.RunAt
	require.NoError(t, repo.Insert(ctx, reconnect))

	claimed, err := repo.ClaimDue(ctx, "worker-a", time.Now().Add(time.Second), 50)
	require.NoError(t, err)
	var mine *models.SyncJob
	for _, c := range claimed {
		if c.ID == j.ID {
			mine = c
		}
	}
	require.NotNil(t, mine)

	active, err := repo.CountActive(ctx, conn.TenantID, conn.Platform)
	require.NoError(t, err)
	assert.Equal(t, 1, active, "exclusive jobs are not counted")

	mine.State = types.JobCompleted
	assert.ErrorIs(t, repo.Settle(ctx, mine, "worker-b"), job.ErrLostClaim)
	assert.ErrorIs(t, repo.Heartbeat(ctx, mine.ID, "worker-b", time.Now()), job.ErrLostClaim)

	require.NoError(t, repo.Settle(ctx, mine, "worker-a"))
	stored, err := repo.Get(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, stored.State)

	// a settled job cannot be settled again by its old owner
	assert.ErrorIs(t, repo.Settle(ctx, mine, "worker-a"), job.ErrLostClaim)

	ghost := models.NewSyncJob(conn.TenantID, conn.ID, conn.Platform, types.KindRecentSync)
	assert.ErrorIs(t, repo.Settle(ctx, ghost, "worker-a"), job.ErrJobNotFound)
}

func TestConnectionRepository_ReconnectLock(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := testContext(t)
	repo := NewConnectionRepository(db)
	conn := createTestConnection(t, db, types.PlatformShopify)
	now := time.Now().UTC()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := repo.AcquireReconnectLock(ctx, conn.TenantID, conn.Platform, uuid.NewString(), now, time.Minute)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	got, err := repo.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncReconnecting, got.SyncStatus)
	require.NotNil(t, got.LockHolder)

	require.NoError(t, repo.ReleaseReconnectLock(ctx, conn.TenantID, conn.Platform, *got.LockHolder, types.SyncIdle))
	got, err = repo.Get(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncIdle, got.SyncStatus)
	assert.Nil(t, got.LockHolder)

	_, err = repo.GetByPlatform(ctx, "missing-tenant", types.PlatformMeta)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestEtlJobRepository_Lifecycle(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := testContext(t)
	repo := NewEtlJobRepository(db)
	tenant := "it-" + uuid.NewString()

	rec := models.NewEtlJobRecord(tenant, types.PlatformShopify, types.EntityOrders, types.KindBulkOrders)
	require.NoError(t, repo.Create(ctx, rec))
	rec.Start()
	rec.Complete(42)
	require.NoError(t, repo.Update(ctx, rec))

	latest, err := repo.Latest(ctx, tenant, types.PlatformShopify, types.EntityOrders)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, types.EtlCompleted, latest.Status)
	assert.Equal(t, int64(42), latest.RowsWritten)

	list, err := repo.ListByTenant(ctx, tenant, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPostgresFactStore_UpsertIsIdempotent(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := testContext(t)
	store := NewPostgresFactStore(db)
	tenant := "it-" + uuid.NewString()
	day := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	batch := &models.FactBatch{Orders: []models.ShopifyOrder{
		{TenantID: tenant, OrderID: "1001", CreatedAt: day, TotalPrice: decimal.RequireFromString("19.99"), Currency: "USD"},
		{TenantID: tenant, OrderID: "1002", CreatedAt: day, TotalPrice: decimal.RequireFromString("5.00"), Currency: "USD"},
	}}
	_, err := store.Write(ctx, batch)
	require.NoError(t, err)
	_, err = store.Write(ctx, batch)
	require.NoError(t, err)

	counts, err := store.CountRowsByDay(ctx, tenant, types.PlatformShopify, types.NewDateRange(day, day))
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[types.Day(day)])

	deleted, err := store.Purge(ctx, tenant, types.PlatformShopify)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestCoverageRepository_RecordSync(t *testing.T) {
	db := setupIntegrationDB(t)
	ctx := testContext(t)
	repo := NewCoverageRepository(db)
	tenant := "it-" + uuid.NewString()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	dr := types.NewDateRange(start, start.AddDate(0, 0, 2))

	require.NoError(t, repo.RecordSync(ctx, tenant, types.PlatformMeta, dr, nil, true, time.Now()))
	require.NoError(t, repo.RecordSync(ctx, tenant, types.PlatformMeta, dr, nil, false, time.Now()))

	days, err := repo.SyncDays(ctx, tenant, types.PlatformMeta, dr)
	require.NoError(t, err)
	require.Len(t, days, 3)
	for _, d := range days {
		assert.True(t, d.Succeeded)
	}
}
