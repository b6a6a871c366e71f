// Package ratelimit guards outbound platform calls with a per-tenant sliding
// window, a minimum spacing between calls and a cooldown entered when a
// platform reports throttling.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default guard configuration values.
const (
	DefaultMaxRequests     = 30
	DefaultWindow          = 60 * time.Second
	DefaultMinInterval     = 2 * time.Second
	DefaultCooldown        = 300 * time.Second
	DefaultBypassMaxWait   = 10 * time.Second
	DefaultNotifyTimeout   = 5 * time.Second
	DefaultAdvisoryChannel = "sync:advisories"
)

// Reason explains a limiter decision.
type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonCooldown        Reason = "cooldown"
	ReasonWindowExhausted Reason = "window_exhausted"
	ReasonMinInterval     Reason = "min_interval"
)

// Decision is the result of asking the limiter whether a call may go out.
type Decision struct {
	Allowed bool          `json:"allowed"`
	Wait    time.Duration `json:"wait"`
	Reason  Reason        `json:"reason"`
}

// State is a snapshot of one tenant's limiter counters.
type State struct {
	TenantID      string    `json:"tenantId"`
	LastRequestAt time.Time `json:"lastRequestAt,omitempty"`
	WindowCount   int       `json:"windowCount"`
	WindowStart   time.Time `json:"windowStart,omitempty"`
	CooldownUntil time.Time `json:"cooldownUntil,omitempty"`
	InCooldown    bool      `json:"inCooldown"`
}

// RateLimiter is the per-tenant counter store behind the guard.
// Implementations must be safe for concurrent use.
type RateLimiter interface {
	// CanProceed reports whether a call may be made now without recording it.
	CanProceed(ctx context.Context, tenantID string) (Decision, error)
	// RecordAttempt records an outbound call.
	RecordAttempt(ctx context.Context, tenantID string) error
	// TryAcquire checks and records in one atomic step.
	TryAcquire(ctx context.Context, tenantID string) (Decision, error)
	// RecordRateLimited enters cooldown; zero retryAfter uses the default cooldown.
	// An existing longer cooldown is never shortened.
	RecordRateLimited(ctx context.Context, tenantID string, retryAfter time.Duration) (time.Time, error)
	// State returns the tenant's counters.
	State(ctx context.Context, tenantID string) (State, error)
}

// Config holds the limits shared by every backend.
type Config struct {
	// MaxRequests is the number of calls allowed in any trailing Window. Default: 30.
	MaxRequests int
	// Window is the sliding window length. Default: 60s.
	Window time.Duration
	// MinInterval is the minimum spacing between two calls. Default: 2s.
	MinInterval time.Duration
	// DefaultCooldown applies when the platform gives no Retry-After. Default: 300s.
	DefaultCooldown time.Duration
	// Now is injectable for tests. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production limits.
func DefaultConfig() *Config {
	return &Config{
		MaxRequests:     DefaultMaxRequests,
		Window:          DefaultWindow,
		MinInterval:     DefaultMinInterval,
		DefaultCooldown: DefaultCooldown,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxRequests < 0 {
		return errors.New("max requests cannot be negative")
	}
	if c.Window < 0 || c.MinInterval < 0 || c.DefaultCooldown < 0 {
		return errors.New("durations cannot be negative")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRequests == 0 {
		out.MaxRequests = DefaultMaxRequests
	}
	if out.Window == 0 {
		out.Window = DefaultWindow
	}
	if out.DefaultCooldown == 0 {
		out.DefaultCooldown = DefaultCooldown
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

func prepare(cfg *Config) (Config, error) {
	if cfg == nil {
		return Config{}, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) cooldownFor(retryAfter time.Duration) time.Duration {
	if retryAfter <= 0 {
		return c.DefaultCooldown
	}
	return retryAfter
}
