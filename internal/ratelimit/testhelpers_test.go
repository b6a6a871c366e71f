package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// setupMiniredis starts an in-memory Redis for the test.
func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// limiterFactories yields every backend wired to the same fake clock so the
// behavioural tests run against both.
func limiterFactories(t *testing.T) map[string]func(cfg Config) RateLimiter {
	return map[string]func(cfg Config) RateLimiter{
		"memory": func(cfg Config) RateLimiter {
			l, err := NewMemoryLimiter(&cfg)
			if err != nil {
				t.Fatalf("NewMemoryLimiter: %v", err)
			}
			return l
		},
		"redis": func(cfg Config) RateLimiter {
			_, client := setupMiniredis(t)
			l, err := NewRedisLimiter(&RedisLimiterConfig{Redis: client, Config: cfg})
			if err != nil {
				t.Fatalf("NewRedisLimiter: %v", err)
			}
			return l
		},
	}
}
