package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/brez-sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorize(t *testing.T) {
	wrapped := fmt.Errorf("fetch insights: %w", NewRateLimitedError("cooling down", 90*time.Second))

	tests := []struct {
		name     string
		err      error
		category ErrorCategory
		status   int
	}{
		{"wrapped categorized", wrapped, CategoryRateLimit, http.StatusTooManyRequests},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTransient, http.StatusBadGateway},
		{"network", &net.OpError{Op: "dial", Err: stderrors.New("refused")}, CategoryTransient, http.StatusBadGateway},
		{"service error", &types.ServiceError{Code: "X", Message: "boom"}, CategorySystem, http.StatusInternalServerError},
		{"plain", stderrors.New("boom"), CategorySystem, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Categorize(tt.err)
			require.NotNil(t, c)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.status, GetHTTPStatusCode(tt.err))
		})
	}
	assert.Nil(t, Categorize(nil))
	assert.Equal(t, 90*time.Second, RetryAfter(wrapped))
}

func TestRetryClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		retryable   bool
		permanent   bool
		rateLimited bool
	}{
		{"transient", NewTransientError("502", nil), true, false, false},
		{"database", NewDatabaseError("claim", stderrors.New("conn reset")), true, false, false},
		{"rate limit", NewRateLimitedError("slow down", time.Minute), false, false, true},
		{"permanent", NewPermanentError(CodeCredentialsRevoked, "revoked", nil), false, true, false},
		{"validation", NewValidationError("scope", "unknown"), false, true, false},
		{"not found", NewNotFoundError("connection", "meta"), false, true, false},
		{"conflict", NewReconnectInProgressError("t1", types.PlatformMeta), false, false, false},
		{"internal", NewInternalError("bug", nil), false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
			assert.Equal(t, tt.rateLimited, IsRateLimited(tt.err))
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status   int
		category ErrorCategory
		code     string
	}{
		{http.StatusTooManyRequests, CategoryRateLimit, CodeRateLimited},
		{http.StatusUnauthorized, CategoryPermanent, CodeCredentialsRevoked},
		{http.StatusForbidden, CategoryPermanent, CodeCredentialsRevoked},
		{http.StatusBadRequest, CategoryPermanent, "PLATFORM_REJECTED"},
		{http.StatusRequestTimeout, CategoryTransient, "TRANSIENT_ERROR"},
		{http.StatusServiceUnavailable, CategoryTransient, "TRANSIENT_ERROR"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			e := FromHTTPStatus(types.PlatformShopify, tt.status, "body")
			require.NotNil(t, e)
			assert.Equal(t, tt.category, e.Category)
			assert.Equal(t, tt.code, e.Code)
		})
	}
	assert.Nil(t, FromHTTPStatus(types.PlatformShopify, http.StatusOK, ""))
}

func TestReconnectInProgressIsConflict(t *testing.T) {
	err := fmt.Errorf("request sync: %w", NewReconnectInProgressError("t1", types.PlatformShopify))
	assert.True(t, IsConflict(err))
	assert.True(t, HasCode(err, CodeReconnectInProgress))
	assert.Equal(t, http.StatusConflict, GetHTTPStatusCode(err))
	assert.False(t, IsNotFound(err))
}

func TestSyncJobsActiveIsConflictWithOwnCode(t *testing.T) {
	err := fmt.Errorf("reconnect: %w", NewSyncJobsActiveError("t1", types.PlatformMeta, 2))
	assert.True(t, IsConflict(err))
	assert.True(t, HasCode(err, CodeSyncJobsActive))
	assert.False(t, HasCode(err, CodeReconnectInProgress))
	assert.False(t, IsRetryable(err))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := NewTransientError("meta call failed", cause)
	assert.Contains(t, err.Error(), "TRANSIENT_ERROR: meta call failed")
	assert.Contains(t, err.Error(), "socket closed")
	assert.ErrorIs(t, err, cause)
}
