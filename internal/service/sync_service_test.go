package service

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/job"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/ratelimit"
	"github.com/brez-sync/internal/storage/memstore"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 8, 15, 0, 0, 0, time.UTC)

type syncFixture struct {
	svc      *SyncService
	queue    *job.Queue
	conns    *memstore.Connections
	etl      *memstore.EtlJobs
	facts    *memstore.Facts
	coverage *memstore.Coverage
	limits   *stubLimits
}

type stubLimits struct {
	state ratelimit.State
	err   error
}

func (s *stubLimits) State(ctx context.Context, tenantID string) (ratelimit.State, error) {
	return s.state, s.err
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	f := &syncFixture{
		conns:    memstore.NewConnections(),
		etl:      memstore.NewEtlJobs(),
		facts:    memstore.NewFacts(),
		coverage: memstore.NewCoverage(),
		limits:   &stubLimits{},
	}
	q, err := job.NewQueue(&job.Config{Store: job.NewMemoryStore(), Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	f.queue = q
	f.svc, err = NewSyncService(&SyncServiceConfig{
		Connections: f.conns,
		Queue:       q,
		Ledger:      NewLedger(f.etl),
		Facts:       f.facts,
		Coverage:    f.coverage,
		RateLimits:  f.limits,
		Now:         func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return f
}

func (f *syncFixture) connect(t *testing.T, tenantID string, platform types.Platform) *models.PlatformConnection {
	t.Helper()
	c := &models.PlatformConnection{TenantID: tenantID, Platform: platform, CredentialRef: "tok", ExternalAccountID: "acct", Status: types.ConnectionActive}
	require.NoError(t, f.conns.Upsert(context.Background(), c))
	return c
}

func (f *syncFixture) kinds(t *testing.T, resp *SyncResponse) map[types.JobKind]*models.SyncJob {
	t.Helper()
	out := make(map[types.JobKind]*models.SyncJob)
	for _, j := range resp.Jobs {
		sj, err := f.queue.Get(context.Background(), j.JobID)
		require.NoError(t, err)
		out[j.Kind] = sj
	}
	return out
}

func TestNewSyncService_Validation(t *testing.T) {
	_, err := NewSyncService(nil)
	assert.Error(t, err)

	_, err = NewSyncService(&SyncServiceConfig{Connections: memstore.NewConnections()})
	assert.Error(t, err)
}

func TestRequestSync_RecentAllPlatforms(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.connect(t, "tenant-1", types.PlatformMeta)
	f.connect(t, "tenant-1", types.PlatformShopify)

	resp, err := f.svc.RequestSync(ctx, "tenant-1", SyncRequest{Scope: types.ScopeRecent})
	require.NoError(t, err)
	require.Len(t, resp.Jobs, 2)

	records, err := f.svc.ledger.ListByTenant(ctx, "tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	entities := map[types.Platform]types.Entity{}
	for _, r := range records {
		assert.Equal(t, types.EtlQueued, r.Status)
		assert.Equal(t, types.KindRecentSync, r.JobType)
		entities[r.Platform] = r.EntityName
	}
	assert.Equal(t, types.EntityInsights, entities[types.PlatformMeta])
	assert.Equal(t, types.EntityOrders, entities[types.PlatformShopify])

	for _, j := range resp.Jobs {
		sj, err := f.queue.Get(ctx, j.JobID)
		require.NoError(t, err)
		require.NotNil(t, sj.EtlJobID)
		assert.Equal(t, *j.EtlJobID, *sj.EtlJobID)
		require.NotNil(t, sj.Payload.DateRange)
		assert.Equal(t, 3, sj.Payload.DateRange.Days())
		assert.Equal(t, types.Day(fixedNow), sj.Payload.DateRange.End)
	}
}

func TestRequestSync_FullScope(t *testing.T) {
	t.Run("shopify gets bulk exports", func(t *testing.T) {
		f := newSyncFixture(t)
		f.connect(t, "tenant-1", types.PlatformShopify)

		resp, err := f.svc.RequestSync(context.Background(), "tenant-1", SyncRequest{Scope: types.ScopeFull})
		require.NoError(t, err)

		jobs := f.kinds(t, resp)
		assert.Len(t, jobs, 4)
		for _, kind := range []types.JobKind{types.KindBulkOrders, types.KindBulkCustomers, types.KindBulkProducts} {
			j, ok := jobs[kind]
			require.True(t, ok, "missing %s", kind)
			require.NotNil(t, j.Payload.DateRange)
			assert.Equal(t, DefaultHistoryDays, j.Payload.DateRange.Days())
			assert.Equal(t, types.Day(fixedNow).AddDate(0, 0, -1), j.Payload.DateRange.End)
			entity, _ := kind.BulkEntity()
			assert.Equal(t, entity, j.Payload.Entity)
		}
		assert.Contains(t, jobs, types.KindRecentSync)
	})

	t.Run("meta gets demographics", func(t *testing.T) {
		f := newSyncFixture(t)
		f.connect(t, "tenant-1", types.PlatformMeta)

		resp, err := f.svc.RequestSync(context.Background(), "tenant-1", SyncRequest{Scope: types.ScopeFull})
		require.NoError(t, err)

		jobs := f.kinds(t, resp)
		assert.Len(t, jobs, 2)
		assert.Contains(t, jobs, types.KindRecentSync)
		assert.Contains(t, jobs, types.KindDemographicsSync)
	})
}

func TestRequestSync_DemographicsSkipsCommerce(t *testing.T) {
	f := newSyncFixture(t)
	f.connect(t, "tenant-1", types.PlatformShopify)

	resp, err := f.svc.RequestSync(context.Background(), "tenant-1", SyncRequest{Scope: types.ScopeDemographics})
	require.NoError(t, err)
	assert.Empty(t, resp.Jobs)
}

func TestRequestSync_ReusesOpenJob(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.connect(t, "tenant-1", types.PlatformShopify)

	first, err := f.svc.RequestSync(ctx, "tenant-1", SyncRequest{Scope: types.ScopeRecent})
	require.NoError(t, err)
	second, err := f.svc.RequestSync(ctx, "tenant-1", SyncRequest{Scope: types.ScopeRecent})
	require.NoError(t, err)

	require.Len(t, second.Jobs, 1)
	assert.True(t, second.Jobs[0].Existing)
	assert.Equal(t, first.Jobs[0].JobID, second.Jobs[0].JobID)

	records, err := f.svc.ledger.ListByTenant(ctx, "tenant-1", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRequestSync_Backfill(t *testing.T) {
	f := newSyncFixture(t)
	f.connect(t, "tenant-1", types.PlatformMeta)

	resp, err := f.svc.RequestSync(context.Background(), "tenant-1", SyncRequest{Scope: types.ScopeBackfill, LookbackDays: 14, Force: true})
	require.NoError(t, err)

	jobs := f.kinds(t, resp)
	require.Contains(t, jobs, types.KindBackfill)
	assert.Equal(t, 14, jobs[types.KindBackfill].Payload.LookbackDays)
	assert.True(t, jobs[types.KindBackfill].Payload.Force)

	resp, err = f.svc.RequestSync(context.Background(), "tenant-2", SyncRequest{Scope: types.ScopeBackfill})
	assert.True(t, apperrors.IsNotFound(err))
	assert.Nil(t, resp)
}

func TestRequestSync_Reconnect(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.connect(t, "tenant-1", types.PlatformShopify)

	resp, err := f.svc.RequestSync(ctx, "tenant-1", SyncRequest{Scope: types.ScopeReconnect, Platform: types.PlatformShopify})
	require.NoError(t, err)
	jobs := f.kinds(t, resp)
	require.Contains(t, jobs, types.KindFullReconnect)
	assert.True(t, jobs[types.KindFullReconnect].Exclusive)

	again, err := f.svc.RequestSync(ctx, "tenant-1", SyncRequest{Scope: types.ScopeReconnect, Platform: types.PlatformShopify})
	require.NoError(t, err)
	assert.True(t, again.Jobs[0].Existing)

	ok, err := f.conns.AcquireReconnectLock(ctx, "tenant-1", types.PlatformShopify, "worker-1", fixedNow, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.RequestSync(ctx, "tenant-1", SyncRequest{Scope: types.ScopeRecent})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeReconnectInProgress))
}

func TestRequestSync_Validation(t *testing.T) {
	f := newSyncFixture(t)
	f.connect(t, "tenant-1", types.PlatformMeta)

	tests := []struct {
		name   string
		tenant string
		req    SyncRequest
	}{
		{"empty tenant", "", SyncRequest{Scope: types.ScopeRecent}},
		{"unknown scope", "tenant-1", SyncRequest{Scope: "everything"}},
		{"unknown platform", "tenant-1", SyncRequest{Scope: types.ScopeRecent, Platform: "tiktok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RequestSync(context.Background(), tt.tenant, tt.req)
			require.Error(t, err)
			assert.Equal(t, apperrors.CategoryValidation, apperrors.Categorize(err).Category)
		})
	}
}

func TestRequestSync_RevokedPlatformConflict(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.connect(t, "tenant-1", types.PlatformMeta)
	require.NoError(t, f.conns.Revoke(ctx, "tenant-1", types.PlatformMeta))

	_, err := f.svc.RequestSync(ctx, "tenant-1", SyncRequest{Scope: types.ScopeRecent, Platform: types.PlatformMeta})
	assert.True(t, apperrors.IsConflict(err))
}

func TestEnqueueRebuild(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	meta := f.connect(t, "tenant-1", types.PlatformMeta)
	ids, err := f.svc.EnqueueRebuild(ctx, meta)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	var kinds []types.JobKind
	for _, id := range ids {
		j, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, j.EtlJobID)
		kinds = append(kinds, j.Kind)
		if j.Kind == types.KindBackfill {
			assert.True(t, j.Payload.Force)
			assert.Equal(t, DefaultHistoryDays, j.Payload.LookbackDays)
		}
	}
	assert.ElementsMatch(t, []types.JobKind{types.KindRecentSync, types.KindDemographicsSync, types.KindBackfill}, kinds)

	shop := f.connect(t, "tenant-1", types.PlatformShopify)
	ids, err = f.svc.EnqueueRebuild(ctx, shop)
	require.NoError(t, err)
	assert.Len(t, ids, 4)
}

func TestRegisterConnection(t *testing.T) {
	f := newSyncFixture(t)

	conn, resp, err := f.svc.RegisterConnection(context.Background(), RegisterConnectionInput{
		TenantID:          "tenant-1",
		Platform:          types.PlatformShopify,
		CredentialRef:     "env:SHOP_TOKEN",
		ExternalAccountID: "demo.myshopify.com",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, conn.ID)
	assert.True(t, conn.IsActive())
	require.NotNil(t, resp)
	assert.Len(t, resp.Jobs, 4)
	for _, j := range resp.Jobs {
		sj, err := f.queue.Get(context.Background(), j.JobID)
		require.NoError(t, err)
		if j.Kind == types.KindRecentSync {
			assert.True(t, sj.Payload.Manual)
		}
	}
}

func TestDisconnect(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.connect(t, "tenant-1", types.PlatformShopify)

	_, err := f.svc.RequestSync(ctx, "tenant-1", SyncRequest{Scope: types.ScopeRecent})
	require.NoError(t, err)
	day := types.Day(fixedNow)
	_, err = f.facts.Write(ctx, &models.FactBatch{
		Orders: []models.ShopifyOrder{{TenantID: "tenant-1", OrderID: "1", CreatedAt: day}},
	})
	require.NoError(t, err)
	require.NoError(t, f.coverage.RecordSync(ctx, "tenant-1", types.PlatformShopify, types.NewDateRange(day, day), map[time.Time]int64{day: 1}, true, fixedNow))

	res, err := f.svc.Disconnect(ctx, "tenant-1", types.PlatformShopify)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsPurged)
	assert.Equal(t, int64(1), res.DaysCleared)
	assert.Equal(t, int64(1), res.RecordsPurged)

	conn, err := f.conns.GetByPlatform(ctx, "tenant-1", types.PlatformShopify)
	require.NoError(t, err)
	assert.Equal(t, types.ConnectionRevoked, conn.Status)

	_, err = f.svc.Disconnect(ctx, "tenant-9", types.PlatformShopify)
	assert.True(t, apperrors.IsNotFound(err))
}
