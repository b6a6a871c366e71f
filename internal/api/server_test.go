package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/job"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/service"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSyncAPI struct {
	mock.Mock
}

func (m *mockSyncAPI) RequestSync(ctx context.Context, tenantID string, req service.SyncRequest) (*service.SyncResponse, error) {
	args := m.Called(ctx, tenantID, req)
	resp, _ := args.Get(0).(*service.SyncResponse)
	return resp, args.Error(1)
}

func (m *mockSyncAPI) Status(ctx context.Context, tenantID string) (*service.TenantSyncStatus, error) {
	args := m.Called(ctx, tenantID)
	st, _ := args.Get(0).(*service.TenantSyncStatus)
	return st, args.Error(1)
}

func (m *mockSyncAPI) RegisterConnection(ctx context.Context, in service.RegisterConnectionInput) (*models.PlatformConnection, *service.SyncResponse, error) {
	args := m.Called(ctx, in)
	conn, _ := args.Get(0).(*models.PlatformConnection)
	resp, _ := args.Get(1).(*service.SyncResponse)
	return conn, resp, args.Error(2)
}

func (m *mockSyncAPI) Disconnect(ctx context.Context, tenantID string, platform types.Platform) (*service.DisconnectResult, error) {
	args := m.Called(ctx, tenantID, platform)
	res, _ := args.Get(0).(*service.DisconnectResult)
	return res, args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.EtlJobRecord, error) {
	args := m.Called(ctx, tenantID, limit)
	recs, _ := args.Get(0).([]*models.EtlJobRecord)
	return recs, args.Error(1)
}

type mockGaps struct {
	mock.Mock
}

func (m *mockGaps) Inspect(ctx context.Context, tenantID string, lookbackDays int, force bool) (*service.GapReport, error) {
	args := m.Called(ctx, tenantID, lookbackDays, force)
	rep, _ := args.Get(0).(*service.GapReport)
	return rep, args.Error(1)
}

type stubQueue struct {
	stats job.Stats
}

func (s stubQueue) Stats(ctx context.Context) (job.Stats, error) {
	return s.stats, nil
}

type testServer struct {
	server *Server
	sync   *mockSyncAPI
	ledger *mockLedger
	gaps   *mockGaps
}

func createTestServer(t *testing.T, cfg *ServerConfig) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = &ServerConfig{
			Host:              "localhost",
			Port:              "8080",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			RequestsPerSecond: 1000,
			Burst:             1000,
		}
	}
	ts := &testServer{sync: &mockSyncAPI{}, ledger: &mockLedger{}, gaps: &mockGaps{}}
	s, err := NewServer(cfg, Dependencies{
		Sync:   ts.sync,
		Ledger: ts.ledger,
		Gaps:   ts.gaps,
		Queue:  stubQueue{stats: job.Stats{Queued: 3, Active: 1}},
	})
	require.NoError(t, err)
	ts.server = s
	return ts
}

func (ts *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, Dependencies{})
	assert.Error(t, err)
	_, err = NewServer(&ServerConfig{}, Dependencies{Sync: &mockSyncAPI{}})
	assert.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	ts := createTestServer(t, nil)
	w := ts.do("GET", "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "healthy", response["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.do("GET", "/health", nil)

	w := ts.do("GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sync_http_requests_total")
}

func TestRequestSync_Accepted(t *testing.T) {
	ts := createTestServer(t, nil)
	etlID := uuid.New()
	want := &service.SyncResponse{
		TenantID: "tenant-1",
		Scope:    types.ScopeFull,
		Jobs:     []service.EnqueuedJob{{JobID: uuid.New(), EtlJobID: &etlID, Kind: types.KindBulkOrders, Platform: types.PlatformShopify}},
	}
	ts.sync.On("RequestSync", mock.Anything, "tenant-1", service.SyncRequest{
		Scope:    types.ScopeFull,
		Platform: types.PlatformShopify,
		Manual:   true,
	}).Return(want, nil).Once()

	w := ts.do("POST", "/api/tenants/tenant-1/sync", map[string]string{"scope": "full", "platform": "shopify"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	var got service.SyncResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, *want, got)
	ts.sync.AssertExpectations(t)
}

func TestRequestSync_EmptyBodyDefaultsToRecent(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.sync.On("RequestSync", mock.Anything, "tenant-1", service.SyncRequest{Scope: types.ScopeRecent, Manual: true}).
		Return(&service.SyncResponse{TenantID: "tenant-1", Scope: types.ScopeRecent}, nil).Once()

	w := ts.do("POST", "/api/tenants/tenant-1/sync", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	ts.sync.AssertExpectations(t)
}

func TestRequestSync_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		body  interface{}
		field string
	}{
		{"unknown scope", map[string]string{"scope": "everything"}, "Scope"},
		{"unknown platform", map[string]string{"scope": "recent", "platform": "tiktok"}, "Platform"},
		{"lookback too long", map[string]interface{}{"scope": "backfill", "lookbackDays": 5000}, "LookbackDays"},
		{"malformed json", "{not json", ""},
		{"unknown field", map[string]string{"scope": "recent", "priority": "high"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := createTestServer(t, nil)
			w := ts.do("POST", "/api/tenants/tenant-1/sync", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			se := decodeError(t, w)
			assert.Equal(t, ErrCodeInvalidInput, se.Code)
			if tt.field != "" {
				assert.Contains(t, se.Details, tt.field)
			}
			ts.sync.AssertNotCalled(t, "RequestSync", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRequestSync_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"reconnect in progress", apperrors.NewReconnectInProgressError("tenant-1", types.PlatformMeta), http.StatusConflict, apperrors.CodeReconnectInProgress},
		{"no connection", apperrors.NewNotFoundError("connection", "tenant-1"), http.StatusNotFound, "NOT_FOUND"},
		{"validation", apperrors.NewValidationError("tenantId", "required"), http.StatusBadRequest, "INVALID_PARAMETER"},
		{"unexpected", assert.AnError, http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := createTestServer(t, nil)
			ts.sync.On("RequestSync", mock.Anything, "tenant-1", mock.Anything).Return(nil, tt.err)

			w := ts.do("POST", "/api/tenants/tenant-1/sync", map[string]string{"scope": "recent"})
			assert.Equal(t, tt.status, w.Code)
			se := decodeError(t, w)
			assert.Equal(t, tt.code, se.Code)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, se.Message, assert.AnError.Error())
			}
		})
	}
}

func TestSyncStatus(t *testing.T) {
	ts := createTestServer(t, nil)
	until := time.Date(2024, 3, 8, 12, 5, 0, 0, time.UTC)
	ts.sync.On("Status", mock.Anything, "tenant-1").Return(&service.TenantSyncStatus{
		TenantID:  "tenant-1",
		Status:    types.SyncInProgress,
		Progress:  40,
		RateLimit: &service.RateLimitAdvisory{InCooldown: true, CooldownUntil: &until},
	}, nil)

	w := ts.do("GET", "/api/tenants/tenant-1/sync/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var got service.TenantSyncStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, types.SyncInProgress, got.Status)
	assert.Equal(t, 40, got.Progress)
	require.NotNil(t, got.RateLimit)
	assert.True(t, got.RateLimit.InCooldown)
}

func TestListEtlJobs(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.ledger.On("ListByTenant", mock.Anything, "tenant-1", defaultEtlJobsLimit).
		Return([]*models.EtlJobRecord{{ID: uuid.New(), TenantID: "tenant-1", Status: types.EtlCompleted}}, nil).Once()
	ts.ledger.On("ListByTenant", mock.Anything, "tenant-1", 5).Return([]*models.EtlJobRecord{}, nil).Once()

	w := ts.do("GET", "/api/tenants/tenant-1/etl-jobs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)

	assert.Equal(t, http.StatusOK, ts.do("GET", "/api/tenants/tenant-1/etl-jobs?limit=5", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/tenants/tenant-1/etl-jobs?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/tenants/tenant-1/etl-jobs?limit=abc", nil).Code)
	ts.ledger.AssertExpectations(t)
}

func TestGaps(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.gaps.On("Inspect", mock.Anything, "tenant-1", 14, true).Return(&service.GapReport{
		TenantID:     "tenant-1",
		LookbackDays: 14,
		Gaps:         []models.DataGap{{Platform: types.PlatformMeta, Days: 2}},
	}, nil).Once()

	w := ts.do("GET", "/api/tenants/tenant-1/gaps?lookbackDays=14&force=true", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var got service.GapReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Len(t, got.Gaps, 1)

	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/tenants/tenant-1/gaps?lookbackDays=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/tenants/tenant-1/gaps?force=maybe", nil).Code)
	ts.gaps.AssertExpectations(t)
}

func TestRegisterConnection(t *testing.T) {
	ts := createTestServer(t, nil)
	in := service.RegisterConnectionInput{
		TenantID:          "tenant-1",
		Platform:          types.PlatformMeta,
		CredentialRef:     "env:META_TOKEN",
		ExternalAccountID: "act_1",
	}
	conn := &models.PlatformConnection{ID: uuid.New(), TenantID: "tenant-1", Platform: types.PlatformMeta, CredentialRef: "env:META_TOKEN", Status: types.ConnectionActive}
	ts.sync.On("RegisterConnection", mock.Anything, in).Return(conn, &service.SyncResponse{TenantID: "tenant-1", Scope: types.ScopeFull}, nil).Once()

	w := ts.do("POST", "/api/tenants/tenant-1/connections", map[string]string{
		"platform":          "meta",
		"credentialRef":     "env:META_TOKEN",
		"externalAccountId": "act_1",
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "META_TOKEN", "credential references are never echoed")
	ts.sync.AssertExpectations(t)

	w = ts.do("POST", "/api/tenants/tenant-1/connections", map[string]string{"platform": "meta"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w).Details, "CredentialRef")
}

func TestDisconnect(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.sync.On("Disconnect", mock.Anything, "tenant-1", types.PlatformShopify).
		Return(&service.DisconnectResult{RowsPurged: 12, DaysCleared: 3, RecordsPurged: 2}, nil).Once()

	w := ts.do("DELETE", "/api/tenants/tenant-1/connections/shopify", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var got service.DisconnectResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, int64(12), got.RowsPurged)

	assert.Equal(t, http.StatusBadRequest, ts.do("DELETE", "/api/tenants/tenant-1/connections/tiktok", nil).Code)
	ts.sync.AssertExpectations(t)
}

func TestQueueStats(t *testing.T) {
	ts := createTestServer(t, nil)
	w := ts.do("GET", "/api/queue/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var got job.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, 3, got.Queued)
}

func TestRateLimitMiddleware(t *testing.T) {
	ts := createTestServer(t, &ServerConfig{RequestsPerSecond: 1, Burst: 2})
	ts.sync.On("Status", mock.Anything, "tenant-1").Return(&service.TenantSyncStatus{TenantID: "tenant-1"}, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do("GET", "/api/tenants/tenant-1/sync/status", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// probes bypass the limiter
	assert.Equal(t, http.StatusOK, ts.do("GET", "/health", nil).Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.sync.On("Status", mock.Anything, "tenant-1").Run(func(mock.Arguments) { panic("boom") })

	w := ts.do("GET", "/api/tenants/tenant-1/sync/status", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, ErrCodeInternalError, decodeError(t, w).Code)
}

func TestCORSHeaders(t *testing.T) {
	ts := createTestServer(t, nil)
	w := ts.do("GET", "/health", nil)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Client-ID")
}
