package adapter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brez-sync/internal/circuitbreaker"
	"github.com/brez-sync/internal/models"
	"github.com/brez-sync/internal/ratelimit"
	"github.com/brez-sync/internal/retry"
	"github.com/brez-sync/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, maxRequests int) *ratelimit.Guard {
	t.Helper()
	limiter, err := ratelimit.NewMemoryLimiter(&ratelimit.Config{
		MaxRequests:     maxRequests,
		Window:          time.Minute,
		DefaultCooldown: time.Minute,
	})
	require.NoError(t, err)
	guard, err := ratelimit.NewGuard(&ratelimit.GuardConfig{Limiter: limiter})
	require.NoError(t, err)
	return guard
}

func newTestCaller(t *testing.T, platform types.Platform, guard *ratelimit.Guard, classify Classifier) *Caller {
	t.Helper()
	caller, err := NewCaller(&CallerConfig{
		Platform: platform,
		Guard:    guard,
		Breakers: circuitbreaker.NewRegistry(BreakerConfig()),
		Retry: &retry.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		AttemptTimeout: 2 * time.Second,
		Classify:       classify,
	})
	require.NoError(t, err)
	return caller
}

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func testConnection(platform types.Platform, account string) *models.PlatformConnection {
	return &models.PlatformConnection{
		TenantID:          "tenant-1",
		Platform:          platform,
		CredentialRef:     "secret-token",
		ExternalAccountID: account,
		Status:            types.ConnectionActive,
	}
}
