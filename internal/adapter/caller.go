// Package adapter holds the outbound clients for the ads and commerce
// platforms. Every call goes through Caller, which applies the tenant rate
// limit guard, a per-platform circuit breaker and bounded retries.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/brez-sync/internal/circuitbreaker"
	apperrors "github.com/brez-sync/internal/errors"
	"github.com/brez-sync/internal/logging"
	"github.com/brez-sync/internal/metrics"
	"github.com/brez-sync/internal/ratelimit"
	"github.com/brez-sync/internal/retry"
	"github.com/brez-sync/internal/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultAttemptTimeout bounds each HTTP attempt
const DefaultAttemptTimeout = 10 * time.Second

// DefaultPaceMaxWait bounds how long a call waits for the tenant's spacing or
// window to clear before the job is deferred
const DefaultPaceMaxWait = 5 * time.Second

// maxResponseBytes caps how much of a response body is buffered
const maxResponseBytes = 32 << 20

var tracer = otel.Tracer("github.com/brez-sync/internal/adapter")

// Request describes one platform call
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
	// Op names the call in logs and spans
	Op string
}

// CallResult is the outcome of Caller.Call
type CallResult struct {
	Success     bool
	Data        []byte
	Header      http.Header
	StatusCode  int
	Err         error
	RateLimited bool
	RetryAfter  time.Duration
	Attempts    int
}

// Classifier turns a non-2xx (or a 2xx error envelope) into an error. It
// returns nil when the response is a success.
type Classifier func(status int, body []byte) error

// Caller performs guarded, retried HTTP calls for one platform
type Caller struct {
	platform       types.Platform
	guard          *ratelimit.Guard
	httpClient     *http.Client
	breaker        *circuitbreaker.CircuitBreaker
	retryCfg       retry.RetryConfig
	attemptTimeout time.Duration
	paceMaxWait    time.Duration
	classify       Classifier
	now            func() time.Time
}

// CallerConfig holds configuration for a caller
type CallerConfig struct {
	Platform types.Platform
	// Guard is required; every attempt acquires a slot from it
	Guard      *ratelimit.Guard
	HTTPClient *http.Client
	// Breakers supplies the breaker named after the platform. Optional.
	Breakers *circuitbreaker.Registry
	// Retry defaults to retry.DefaultRetryConfig()
	Retry          *retry.RetryConfig
	AttemptTimeout time.Duration
	// PaceMaxWait is how long an attempt may wait on min_interval or a full
	// window. Cooldowns never wait. Default: 5s.
	PaceMaxWait time.Duration
	// Classify defaults to apperrors.FromHTTPStatus
	Classify Classifier
	Now      func() time.Time
}

// BreakerConfig is the breaker template for platform callers. Only
// transient failures count against the circuit.
func BreakerConfig() *circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("")
	cfg.IsFailure = apperrors.IsRetryable
	return cfg
}

// NewCaller creates a caller
func NewCaller(cfg *CallerConfig) (*Caller, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if !cfg.Platform.Valid() {
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
	if cfg.Guard == nil {
		return nil, errors.New("rate limit guard is required")
	}

	c := &Caller{
		platform:       cfg.Platform,
		guard:          cfg.Guard,
		httpClient:     cfg.HTTPClient,
		attemptTimeout: cfg.AttemptTimeout,
		paceMaxWait:    cfg.PaceMaxWait,
		classify:       cfg.Classify,
		now:            cfg.Now,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.attemptTimeout <= 0 {
		c.attemptTimeout = DefaultAttemptTimeout
	}
	if c.paceMaxWait <= 0 {
		c.paceMaxWait = DefaultPaceMaxWait
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.classify == nil {
		platform := cfg.Platform
		c.classify = func(status int, body []byte) error {
			if e := apperrors.FromHTTPStatus(platform, status, string(body)); e != nil {
				return e
			}
			return nil
		}
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(BreakerConfig())
	}
	c.breaker = breakers.Get(string(cfg.Platform))

	if cfg.Retry != nil {
		c.retryCfg = *cfg.Retry
	} else {
		c.retryCfg = *retry.DefaultRetryConfig()
	}
	c.retryCfg.ShouldRetry = shouldRetry
	return c, nil
}

// shouldRetry retries transient failures only. Rate limits go back to the
// queue and an open circuit will not close within the retry window.
func shouldRetry(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	return apperrors.IsRetryable(err)
}

// Call executes req for the tenant
func (c *Caller) Call(ctx context.Context, tenantID string, req Request, opts ...ratelimit.AcquireOption) *CallResult {
	ctx, span := tracer.Start(ctx, "platform."+req.Op, trace.WithAttributes(
		attribute.String("platform", string(c.platform)),
		attribute.String("tenant.id", tenantID),
		attribute.String("op", req.Op),
	))
	defer span.End()

	start := c.now()
	result := &CallResult{}
	acquireOpts := append([]ratelimit.AcquireOption{ratelimit.WithPacing(c.paceMaxWait)}, opts...)

	r := retry.WithExponentialBackoff(ctx, &c.retryCfg, func(ctx context.Context, attempt int) error {
		if err := c.guard.Acquire(ctx, tenantID, acquireOpts...); err != nil {
			return err
		}
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.attempt(ctx, tenantID, req, result)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return apperrors.NewTransientError(fmt.Sprintf("%s circuit open", c.platform), err)
		}
		return err
	})

	result.Attempts = r.Attempts
	result.Success = r.Success
	result.Err = r.LastError
	if result.Err != nil {
		result.RateLimited = apperrors.IsRateLimited(result.Err)
		result.RetryAfter = apperrors.RetryAfter(result.Err)
	}

	outcome := "success"
	switch {
	case result.RateLimited:
		outcome = "rate_limited"
	case result.Err != nil && apperrors.IsPermanent(result.Err):
		outcome = "permanent"
	case result.Err != nil:
		outcome = "error"
	}
	metrics.PlatformCallsTotal.WithLabelValues(string(c.platform), outcome).Inc()
	metrics.PlatformCallDuration.WithLabelValues(string(c.platform)).Observe(c.now().Sub(start).Seconds())

	span.SetAttributes(attribute.Int("attempts", result.Attempts), attribute.String("outcome", outcome))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, outcome)
	}
	return result
}

func (c *Caller) attempt(ctx context.Context, tenantID string, req Request, result *CallResult) error {
	actx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	httpReq, err := c.buildRequest(actx, req)
	if err != nil {
		return apperrors.NewPermanentError("INVALID_REQUEST", "failed to build platform request", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewTransientError(fmt.Sprintf("%s %s failed", c.platform, req.Op), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.NewTransientError(fmt.Sprintf("%s %s: reading body", c.platform, req.Op), err)
	}
	result.StatusCode = resp.StatusCode
	result.Header = resp.Header

	detection := ratelimit.DetectRateLimit(c.platform, ratelimit.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		ReceivedAt: c.now(),
	})
	if detection.RateLimited {
		until, rerr := c.guard.ReportRateLimited(ctx, tenantID, c.platform, detection.RetryAfter)
		wait := detection.RetryAfter
		if rerr == nil {
			wait = until.Sub(c.now())
		} else {
			logging.FromContext(ctx).WithError(rerr).Warn("Failed to record platform rate limit")
		}
		e := apperrors.NewRateLimitedError(fmt.Sprintf("%s throttled %s (%s)", c.platform, req.Op, detection.Signal), wait)
		e.Details = map[string]interface{}{"signal": detection.Signal, "tenantId": tenantID}
		return e
	}

	if err := c.classify(resp.StatusCode, body); err != nil {
		return err
	}
	result.Data = body
	return nil
}

func (c *Caller) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	for k, vs := range req.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if method == http.MethodGet {
		// cache-busting token so intermediaries never serve a stale page
		q.Set("_cb", uuid.NewString())
	}
	u.RawQuery = q.Encode()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// Platform returns the platform the caller serves
func (c *Caller) Platform() types.Platform {
	return c.platform
}
