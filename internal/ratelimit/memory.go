package ratelimit

import (
	"context"
	"sync"
	"time"
)

type tenantCounters struct {
	attempts      []time.Time // ascending, pruned to the trailing window
	cooldownUntil time.Time
}

// MemoryLimiter keeps counters in process memory. Suitable for a single
// worker process and for tests.
type MemoryLimiter struct {
	cfg Config

	mu      sync.Mutex
	tenants map[string]*tenantCounters
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg *Config) (*MemoryLimiter, error) {
	c, err := prepare(cfg)
	if err != nil {
		return nil, err
	}
	return &MemoryLimiter{cfg: c, tenants: make(map[string]*tenantCounters)}, nil
}

func (m *MemoryLimiter) counters(tenantID string) *tenantCounters {
	tc, ok := m.tenants[tenantID]
	if !ok {
		tc = &tenantCounters{}
		m.tenants[tenantID] = tc
	}
	return tc
}

// prune drops attempts at or before now-window.
func (m *MemoryLimiter) prune(tc *tenantCounters, now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(tc.attempts) && !tc.attempts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		tc.attempts = append(tc.attempts[:0], tc.attempts[i:]...)
	}
}

func (m *MemoryLimiter) decide(tc *tenantCounters, now time.Time) Decision {
	if now.Before(tc.cooldownUntil) {
		return Decision{Wait: tc.cooldownUntil.Sub(now), Reason: ReasonCooldown}
	}
	m.prune(tc, now)
	if n := len(tc.attempts); n > 0 && m.cfg.MinInterval > 0 {
		if since := now.Sub(tc.attempts[n-1]); since < m.cfg.MinInterval {
			return Decision{Wait: m.cfg.MinInterval - since, Reason: ReasonMinInterval}
		}
	}
	if len(tc.attempts) >= m.cfg.MaxRequests {
		return Decision{Wait: tc.attempts[0].Add(m.cfg.Window).Sub(now), Reason: ReasonWindowExhausted}
	}
	return Decision{Allowed: true, Reason: ReasonOK}
}

// CanProceed reports whether a call may be made now.
func (m *MemoryLimiter) CanProceed(ctx context.Context, tenantID string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decide(m.counters(tenantID), m.cfg.Now()), nil
}

// RecordAttempt records an outbound call.
func (m *MemoryLimiter) RecordAttempt(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Now()
	tc := m.counters(tenantID)
	m.prune(tc, now)
	tc.attempts = append(tc.attempts, now)
	return nil
}

// TryAcquire checks and records in one step.
func (m *MemoryLimiter) TryAcquire(ctx context.Context, tenantID string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Now()
	tc := m.counters(tenantID)
	d := m.decide(tc, now)
	if d.Allowed {
		tc.attempts = append(tc.attempts, now)
	}
	return d, nil
}

// RecordRateLimited enters cooldown.
func (m *MemoryLimiter) RecordRateLimited(ctx context.Context, tenantID string, retryAfter time.Duration) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until := m.cfg.Now().Add(m.cfg.cooldownFor(retryAfter))
	tc := m.counters(tenantID)
	if until.After(tc.cooldownUntil) {
		tc.cooldownUntil = until
	}
	return tc.cooldownUntil, nil
}

// State returns the tenant's counters.
func (m *MemoryLimiter) State(ctx context.Context, tenantID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Now()
	tc := m.counters(tenantID)
	m.prune(tc, now)

	st := State{TenantID: tenantID, WindowCount: len(tc.attempts), CooldownUntil: tc.cooldownUntil}
	if n := len(tc.attempts); n > 0 {
		st.WindowStart = tc.attempts[0]
		st.LastRequestAt = tc.attempts[n-1]
	}
	st.InCooldown = now.Before(tc.cooldownUntil)
	return st, nil
}
