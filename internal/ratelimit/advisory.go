package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brez-sync/internal/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// AdvisoryKeyPrefix prefixes the key holding a tenant's latest advisory.
const AdvisoryKeyPrefix = "sync:advisory:"

// Advisory tells a tenant that syncing is paused by platform throttling.
type Advisory struct {
	TenantID      string         `json:"tenantId"`
	Platform      types.Platform `json:"platform"`
	Message       string         `json:"message"`
	CooldownUntil time.Time      `json:"cooldownUntil"`
	IssuedAt      time.Time      `json:"issuedAt"`
}

// NewAdvisory builds the user-facing advisory for a cooldown.
func NewAdvisory(tenantID string, platform types.Platform, until, now time.Time) Advisory {
	return Advisory{
		TenantID:      tenantID,
		Platform:      platform,
		CooldownUntil: until,
		IssuedAt:      now,
		Message: fmt.Sprintf("%s is limiting requests for your account; syncing resumes automatically after %s UTC",
			platform, until.UTC().Format("15:04")),
	}
}

// Notifier delivers advisories. Calls are made off the request path.
type Notifier interface {
	Notify(ctx context.Context, a Advisory) error
}

// RedisAdvisoryPublisher publishes advisories on a pub/sub channel and keeps
// the latest one per tenant readable until the cooldown ends.
type RedisAdvisoryPublisher struct {
	redis   redis.Cmdable
	channel string
	now     func() time.Time
}

// NewRedisAdvisoryPublisher creates a publisher; an empty channel uses the default.
func NewRedisAdvisoryPublisher(rdb redis.Cmdable, channel string) (*RedisAdvisoryPublisher, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if channel == "" {
		channel = DefaultAdvisoryChannel
	}
	return &RedisAdvisoryPublisher{redis: rdb, channel: channel, now: time.Now}, nil
}

// Notify publishes the advisory and stores it with a TTL matching the cooldown.
func (p *RedisAdvisoryPublisher) Notify(ctx context.Context, a Advisory) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal advisory: %w", err)
	}
	ttl := a.CooldownUntil.Sub(p.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	pipe := p.redis.TxPipeline()
	pipe.Set(ctx, AdvisoryKeyPrefix+a.TenantID, data, ttl)
	pipe.Publish(ctx, p.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish advisory: %w", err)
	}
	return nil
}

// Latest returns the tenant's current advisory, or nil when none is active.
func (p *RedisAdvisoryPublisher) Latest(ctx context.Context, tenantID string) (*Advisory, error) {
	data, err := p.redis.Get(ctx, AdvisoryKeyPrefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read advisory: %w", err)
	}
	var a Advisory
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode advisory: %w", err)
	}
	return &a, nil
}

// LogNotifier writes advisories to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier logging through zap.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the advisory.
func (n *LogNotifier) Notify(ctx context.Context, a Advisory) error {
	n.logger.Warn("rate limit advisory",
		zap.String("tenantId", a.TenantID),
		zap.String("platform", string(a.Platform)),
		zap.Time("cooldownUntil", a.CooldownUntil),
		zap.String("message", a.Message),
	)
	return nil
}

// MultiNotifier fans an advisory out to every notifier.
type MultiNotifier []Notifier

// Notify calls every notifier and joins their errors.
func (m MultiNotifier) Notify(ctx context.Context, a Advisory) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
