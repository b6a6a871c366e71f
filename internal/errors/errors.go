package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/brez-sync/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransient is a failure that may succeed on retry (timeouts, 5xx, network)
	CategoryTransient ErrorCategory = "transient"
	// CategoryRateLimit means the platform or the local guard refused the call
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryPermanent will not succeed on retry (revoked credentials, bad request)
	CategoryPermanent ErrorCategory = "permanent"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes shared across packages.
const (
	CodeRateLimited         = "RATE_LIMITED"
	CodeReconnectInProgress = "RECONNECT_IN_PROGRESS"
	CodeCredentialsRevoked  = "CREDENTIALS_REVOKED"
	CodeUnknownJobKind      = "UNKNOWN_JOB_KIND"
	CodeSyncJobsActive      = "SYNC_JOBS_ACTIVE"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
	// RetryAfter is set for rate_limit errors
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewTransientError wraps a failure worth retrying
func NewTransientError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSIENT_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewRateLimitedError signals a rate-limit refusal with the time to wait
func NewRateLimitedError(message string, retryAfter time.Duration) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    message,
		RetryAfter: retryAfter,
		Details: map[string]interface{}{
			"retryAfterSeconds": int(retryAfter.Round(time.Second) / time.Second),
		},
	}
}

// NewPermanentError wraps a failure that must not be retried
func NewPermanentError(code, message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPermanent,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       code,
		Message:    message,
		Cause:      cause,
	}
}

// NewValidationError creates an invalid parameter error
func NewValidationError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(code, message string) *CategorizedError {
	if code == "" {
		code = "CONFLICT"
	}
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       code,
		Message:    message,
	}
}

// NewReconnectInProgressError is returned to a competing reconnect or sync request
func NewReconnectInProgressError(tenantID string, platform types.Platform) *CategorizedError {
	e := NewConflictError(CodeReconnectInProgress, fmt.Sprintf("reconnect in progress for %s/%s", tenantID, platform))
	e.Details = map[string]interface{}{"tenantId": tenantID, "platform": string(platform)}
	return e
}

// NewSyncJobsActiveError is returned when a reconnect finds other jobs still
// running for the connection
func NewSyncJobsActiveError(tenantID string, platform types.Platform, active int) *CategorizedError {
	e := NewConflictError(CodeSyncJobsActive, fmt.Sprintf("%d sync jobs still active for %s/%s", active, tenantID, platform))
	e.Details = map[string]interface{}{"tenantId": tenantID, "platform": string(platform), "active": active}
	return e
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("deadline exceeded", err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return NewTransientError("network error", err)
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether an inline retry may help. Rate-limit errors are
// not retryable inline; the job is rescheduled after the cooldown.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	switch catErr.Category {
	case CategoryTransient, CategoryDatabase:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsRateLimited reports whether err is a rate-limit refusal
func IsRateLimited(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryRateLimit
}

// RetryAfter returns the wait attached to a rate-limit error, or zero
func RetryAfter(err error) time.Duration {
	catErr := Categorize(err)
	if catErr == nil || catErr.Category != CategoryRateLimit {
		return 0
	}
	return catErr.RetryAfter
}

// IsPermanent reports whether the failure must not be retried at any level
func IsPermanent(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	switch catErr.Category {
	case CategoryPermanent, CategoryValidation, CategoryNotFound:
		return true
	default:
		return false
	}
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == code
}

// FromHTTPStatus maps an upstream platform status to a category
func FromHTTPStatus(platform types.Platform, status int, body string) *CategorizedError {
	msg := fmt.Sprintf("%s responded %d", platform, status)
	switch {
	case status == http.StatusTooManyRequests:
		return NewRateLimitedError(msg, 0)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e := NewPermanentError(CodeCredentialsRevoked, msg, nil)
		e.Details = map[string]interface{}{"body": truncate(body, 512)}
		return e
	case status == http.StatusRequestTimeout || status >= 500:
		return NewTransientError(msg, nil)
	case status >= 400:
		e := NewPermanentError("PLATFORM_REJECTED", msg, nil)
		e.Details = map[string]interface{}{"body": truncate(body, 512)}
		return e
	default:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsNotFound reports whether err is a not_found error
func IsNotFound(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryNotFound
}

// IsConflict reports whether err is a conflict error
func IsConflict(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryConflict
}
