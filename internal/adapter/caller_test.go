package adapter

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/ratelimit"
	"github.com/brez-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCaller_Validation(t *testing.T) {
	_, err := NewCaller(nil)
	assert.Error(t, err)

	_, err = NewCaller(&CallerConfig{Platform: "tiktok", Guard: newTestGuard(t, 10)})
	assert.Error(t, err)

	_, err = NewCaller(&CallerConfig{Platform: types.PlatformMeta})
	assert.Error(t, err)
}

func TestCall_GuardRejectionMakesNoRequest(t *testing.T) {
	var hits int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{}`))
	})

	guard := newTestGuard(t, 10)
	_, err := guard.ReportRateLimited(context.Background(), "tenant-1", types.PlatformMeta, 0)
	require.NoError(t, err)

	caller := newTestCaller(t, types.PlatformMeta, guard, nil)
	res := caller.Call(context.Background(), "tenant-1", Request{URL: srv.URL, Op: "ping"})

	assert.False(t, res.Success)
	assert.True(t, res.RateLimited)
	assert.Greater(t, res.RetryAfter.Seconds(), 0.0)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestCall_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	caller := newTestCaller(t, types.PlatformShopify, newTestGuard(t, 10), nil)
	res := caller.Call(context.Background(), "tenant-1", Request{URL: srv.URL, Op: "ping"})

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(res.Data))
}

func TestCall_RateLimitIsNotRetriedAndEntersCooldown(t *testing.T) {
	var hits int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	guard := newTestGuard(t, 10)
	caller := newTestCaller(t, types.PlatformShopify, guard, nil)
	res := caller.Call(context.Background(), "tenant-1", Request{URL: srv.URL, Op: "ping"})

	assert.True(t, res.RateLimited)
	assert.True(t, apperrors.IsRateLimited(res.Err))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.InDelta(t, 120, res.RetryAfter.Seconds(), 2)

	state, err := guard.State(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.True(t, state.InCooldown)

	// the next call is refused locally
	res = caller.Call(context.Background(), "tenant-1", Request{URL: srv.URL, Op: "ping"})
	assert.True(t, res.RateLimited)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestCall_PermanentErrorIsNotRetried(t *testing.T) {
	var hits int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	caller := newTestCaller(t, types.PlatformShopify, newTestGuard(t, 10), nil)
	res := caller.Call(context.Background(), "tenant-1", Request{URL: srv.URL, Op: "ping"})

	assert.True(t, apperrors.IsPermanent(res.Err))
	assert.True(t, apperrors.HasCode(res.Err, apperrors.CodeCredentialsRevoked))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestCall_CacheBustingOnGetOnly(t *testing.T) {
	var seen []string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+":"+r.URL.Query().Get("_cb"))
		_, _ = w.Write([]byte(`{}`))
	})

	caller := newTestCaller(t, types.PlatformMeta, newTestGuard(t, 10), nil)
	first := caller.Call(context.Background(), "tenant-1", Request{URL: srv.URL + "?a=1", Op: "get"})
	second := caller.Call(context.Background(), "tenant-1", Request{URL: srv.URL, Op: "get"})
	post := caller.Call(context.Background(), "tenant-1", Request{Method: http.MethodPost, URL: srv.URL, Body: []byte(`{}`), Op: "post"})
	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	require.NoError(t, post.Err)

	require.Len(t, seen, 3)
	assert.NotEqual(t, "GET:", seen[0])
	assert.NotEqual(t, seen[0], seen[1])
	assert.Equal(t, "POST:", seen[2])
}

func TestCall_ConsumesGuardBudget(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	caller := newTestCaller(t, types.PlatformMeta, newTestGuard(t, 2), nil)
	for i := 0; i < 2; i++ {
		res := caller.Call(context.Background(), "tenant-1", Request{URL: srv.URL, Op: "get"})
		require.NoError(t, res.Err)
	}
	res := caller.Call(context.Background(), "tenant-1", Request{URL: srv.URL, Op: "get"})
	assert.True(t, res.RateLimited)

	// other tenants keep their own budget
	res = caller.Call(context.Background(), "tenant-2", Request{URL: srv.URL, Op: "get"})
	assert.NoError(t, res.Err)
}

func TestCall_WaitsOutMinInterval(t *testing.T) {
	var hits int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{}`))
	})

	limiter, err := ratelimit.NewMemoryLimiter(&ratelimit.Config{
		MaxRequests:     30,
		Window:          time.Minute,
		MinInterval:     50 * time.Millisecond,
		DefaultCooldown: time.Minute,
	})
	require.NoError(t, err)
	guard, err := ratelimit.NewGuard(&ratelimit.GuardConfig{Limiter: limiter})
	require.NoError(t, err)
	caller := newTestCaller(t, types.PlatformShopify, guard, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		res := caller.Call(context.Background(), "tenant-1", Request{URL: srv.URL, Op: "orders"})
		require.NoError(t, res.Err, "call %d", i)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}
