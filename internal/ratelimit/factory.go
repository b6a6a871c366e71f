package ratelimit

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// New builds the limiter selected by backend. rdb is only used by the redis backend.
func New(backend string, cfg *Config, rdb redis.Cmdable) (RateLimiter, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryLimiter(cfg)
	case BackendRedis:
		if cfg == nil {
			return nil, fmt.Errorf("configuration is required")
		}
		return NewRedisLimiter(&RedisLimiterConfig{Redis: rdb, Config: *cfg})
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", backend)
	}
}
