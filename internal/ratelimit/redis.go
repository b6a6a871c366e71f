package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout. The tenant id is wrapped in a hash tag so both keys of a
// tenant land in the same cluster slot.
const (
	KeyPrefix       = "ratelimit:"
	attemptsSuffix  = ":attempts"
	cooldownSuffix  = ":cooldown"
	reasonCodeOK    = 0
	reasonCodeCool  = 1
	reasonCodeSpace = 2
	reasonCodeFull  = 3
)

// acquireScript prunes the window, evaluates cooldown, spacing and window
// size, and optionally records the attempt, all atomically.
var acquireScript = redis.NewScript(`
	local attemptsKey = KEYS[1]
	local cooldownKey = KEYS[2]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local maxReq = tonumber(ARGV[3])
	local minInterval = tonumber(ARGV[4])
	local record = tonumber(ARGV[5])
	local member = ARGV[6]
	local ttl = tonumber(ARGV[7])

	local cooldownUntil = tonumber(redis.call('GET', cooldownKey) or '0')
	if cooldownUntil > now then
		return {0, 1, cooldownUntil - now}
	end

	redis.call('ZREMRANGEBYSCORE', attemptsKey, '-inf', now - window)

	local last = redis.call('ZRANGE', attemptsKey, -1, -1, 'WITHSCORES')
	if #last > 0 then
		local since = now - tonumber(last[2])
		if since < minInterval then
			return {0, 2, minInterval - since}
		end
	end

	local count = redis.call('ZCARD', attemptsKey)
	if count >= maxReq then
		local oldest = redis.call('ZRANGE', attemptsKey, 0, 0, 'WITHSCORES')
		return {0, 3, tonumber(oldest[2]) + window - now}
	end

	if record == 1 then
		redis.call('ZADD', attemptsKey, now, member)
		redis.call('PEXPIRE', attemptsKey, ttl)
	end
	return {1, 0, 0}
`)

var recordScript = redis.NewScript(`
	local attemptsKey = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	redis.call('ZREMRANGEBYSCORE', attemptsKey, '-inf', now - window)
	redis.call('ZADD', attemptsKey, now, ARGV[3])
	redis.call('PEXPIRE', attemptsKey, tonumber(ARGV[4]))
	return redis.call('ZCARD', attemptsKey)
`)

// cooldownScript extends the cooldown but never shortens it.
var cooldownScript = redis.NewScript(`
	local cooldownKey = KEYS[1]
	local now = tonumber(ARGV[1])
	local untilMs = tonumber(ARGV[2])
	local current = tonumber(redis.call('GET', cooldownKey) or '0')
	if current > untilMs then
		untilMs = current
	end
	redis.call('SET', cooldownKey, untilMs, 'PX', untilMs - now)
	return untilMs
`)

// RedisLimiter shares counters between every process talking to the same Redis.
type RedisLimiter struct {
	redis redis.Cmdable
	cfg   Config
}

// RedisLimiterConfig holds configuration for the Redis limiter.
type RedisLimiterConfig struct {
	// Redis is required.
	Redis redis.Cmdable
	Config
}

// NewRedisLimiter creates a limiter backed by Redis.
func NewRedisLimiter(cfg *RedisLimiterConfig) (*RedisLimiter, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	c, err := prepare(&cfg.Config)
	if err != nil {
		return nil, err
	}
	return &RedisLimiter{redis: cfg.Redis, cfg: c}, nil
}

func (r *RedisLimiter) keys(tenantID string) (attempts, cooldown string) {
	base := KeyPrefix + "{" + tenantID + "}"
	return base + attemptsSuffix, base + cooldownSuffix
}

func (r *RedisLimiter) ttlMs() int64 {
	ttl := r.cfg.Window
	if r.cfg.MinInterval > ttl {
		ttl = r.cfg.MinInterval
	}
	return ttl.Milliseconds() + 1000
}

func (r *RedisLimiter) run(ctx context.Context, tenantID string, record bool) (Decision, error) {
	attemptsKey, cooldownKey := r.keys(tenantID)
	now := r.cfg.Now().UnixMilli()
	rec := 0
	if record {
		rec = 1
	}
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := acquireScript.Run(ctx, r.redis, []string{attemptsKey, cooldownKey},
		now, r.cfg.Window.Milliseconds(), r.cfg.MaxRequests, r.cfg.MinInterval.Milliseconds(),
		rec, member, r.ttlMs()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	wait := time.Duration(res[2]) * time.Millisecond
	switch res[1] {
	case reasonCodeCool:
		return Decision{Wait: wait, Reason: ReasonCooldown}, nil
	case reasonCodeSpace:
		return Decision{Wait: wait, Reason: ReasonMinInterval}, nil
	case reasonCodeFull:
		return Decision{Wait: wait, Reason: ReasonWindowExhausted}, nil
	default:
		return Decision{Allowed: res[0] == 1, Reason: ReasonOK}, nil
	}
}

// CanProceed reports whether a call may be made now.
func (r *RedisLimiter) CanProceed(ctx context.Context, tenantID string) (Decision, error) {
	return r.run(ctx, tenantID, false)
}

// TryAcquire checks and records in one atomic script.
func (r *RedisLimiter) TryAcquire(ctx context.Context, tenantID string) (Decision, error) {
	return r.run(ctx, tenantID, true)
}

// RecordAttempt records an outbound call.
func (r *RedisLimiter) RecordAttempt(ctx context.Context, tenantID string) error {
	attemptsKey, _ := r.keys(tenantID)
	now := r.cfg.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()
	return recordScript.Run(ctx, r.redis, []string{attemptsKey},
		now, r.cfg.Window.Milliseconds(), member, r.ttlMs()).Err()
}

// RecordRateLimited enters cooldown.
func (r *RedisLimiter) RecordRateLimited(ctx context.Context, tenantID string, retryAfter time.Duration) (time.Time, error) {
	_, cooldownKey := r.keys(tenantID)
	now := r.cfg.Now()
	until := now.Add(r.cfg.cooldownFor(retryAfter))
	ms, err := cooldownScript.Run(ctx, r.redis, []string{cooldownKey}, now.UnixMilli(), until.UnixMilli()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("record cooldown: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// State returns the tenant's counters.
func (r *RedisLimiter) State(ctx context.Context, tenantID string) (State, error) {
	attemptsKey, cooldownKey := r.keys(tenantID)
	now := r.cfg.Now()
	min := "(" + strconv.FormatInt(now.Add(-r.cfg.Window).UnixMilli(), 10)

	pipe := r.redis.Pipeline()
	inWindow := pipe.ZRangeByScoreWithScores(ctx, attemptsKey, &redis.ZRangeBy{Min: min, Max: "+inf"})
	cooldown := pipe.Get(ctx, cooldownKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return State{}, fmt.Errorf("read limiter state: %w", err)
	}

	st := State{TenantID: tenantID}
	if zs, err := inWindow.Result(); err == nil && len(zs) > 0 {
		st.WindowCount = len(zs)
		st.WindowStart = time.UnixMilli(int64(zs[0].Score))
		st.LastRequestAt = time.UnixMilli(int64(zs[len(zs)-1].Score))
	}
	if ms, err := cooldown.Int64(); err == nil {
		st.CooldownUntil = time.UnixMilli(ms)
		st.InCooldown = now.Before(st.CooldownUntil)
	}
	return st, nil
}
