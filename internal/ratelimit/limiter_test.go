package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiters_Validation(t *testing.T) {
	_, err := NewMemoryLimiter(nil)
	assert.EqualError(t, err, "configuration is required")

	_, err = NewMemoryLimiter(&Config{MaxRequests: -1})
	assert.Error(t, err)

	_, err = NewRedisLimiter(&RedisLimiterConfig{})
	assert.EqualError(t, err, "redis client is required")

	_, err = New("memcached", DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestLimiter_Behaviour(t *testing.T) {
	for name, factory := range limiterFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("min interval", func(t *testing.T) {
				clock := newFakeClock()
				l := factory(Config{MaxRequests: 30, Window: time.Minute, MinInterval: 2 * time.Second, Now: clock.Now})

				d, err := l.TryAcquire(ctx, "t1")
				require.NoError(t, err)
				assert.True(t, d.Allowed)

				clock.Advance(500 * time.Millisecond)
				d, err = l.TryAcquire(ctx, "t1")
				require.NoError(t, err)
				assert.False(t, d.Allowed)
				assert.Equal(t, ReasonMinInterval, d.Reason)
				assert.Equal(t, 1500*time.Millisecond, d.Wait)

				clock.Advance(1500 * time.Millisecond)
				d, _ = l.TryAcquire(ctx, "t1")
				assert.True(t, d.Allowed)
			})

			t.Run("window exhaustion", func(t *testing.T) {
				clock := newFakeClock()
				l := factory(Config{MaxRequests: 30, Window: 60 * time.Second, MinInterval: time.Second, Now: clock.Now})

				for i := 0; i < 30; i++ {
					d, err := l.TryAcquire(ctx, "t1")
					require.NoError(t, err)
					require.True(t, d.Allowed, "attempt %d", i)
					clock.Advance(time.Second)
				}
				// 30 attempts at t0..t0+29s; now is t0+30s
				d, _ := l.TryAcquire(ctx, "t1")
				assert.False(t, d.Allowed)
				assert.Equal(t, ReasonWindowExhausted, d.Reason)
				assert.Equal(t, 30*time.Second, d.Wait)

				st, err := l.State(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, 30, st.WindowCount)

				clock.Advance(30 * time.Second)
				d, _ = l.TryAcquire(ctx, "t1")
				assert.True(t, d.Allowed)
			})

			t.Run("tenants are independent", func(t *testing.T) {
				clock := newFakeClock()
				l := factory(Config{MaxRequests: 1, Window: time.Minute, Now: clock.Now})

				d, _ := l.TryAcquire(ctx, "a")
				assert.True(t, d.Allowed)
				d, _ = l.TryAcquire(ctx, "a")
				assert.False(t, d.Allowed)
				d, _ = l.TryAcquire(ctx, "b")
				assert.True(t, d.Allowed)
			})

			t.Run("cooldown with retry-after", func(t *testing.T) {
				clock := newFakeClock()
				l := factory(Config{MaxRequests: 30, Window: time.Minute, Now: clock.Now})

				until, err := l.RecordRateLimited(ctx, "t1", 90*time.Second)
				require.NoError(t, err)
				assert.True(t, until.Equal(clock.Now().Add(90*time.Second)))

				d, _ := l.CanProceed(ctx, "t1")
				assert.False(t, d.Allowed)
				assert.Equal(t, ReasonCooldown, d.Reason)
				assert.Equal(t, 90*time.Second, d.Wait)

				st, _ := l.State(ctx, "t1")
				assert.True(t, st.InCooldown)

				clock.Advance(90 * time.Second)
				d, _ = l.CanProceed(ctx, "t1")
				assert.True(t, d.Allowed)
			})

			t.Run("default cooldown and never shortened", func(t *testing.T) {
				clock := newFakeClock()
				l := factory(Config{MaxRequests: 30, Window: time.Minute, DefaultCooldown: 300 * time.Second, Now: clock.Now})

				until, err := l.RecordRateLimited(ctx, "t1", 0)
				require.NoError(t, err)
				assert.True(t, until.Equal(clock.Now().Add(300*time.Second)))

				shorter, err := l.RecordRateLimited(ctx, "t1", 10*time.Second)
				require.NoError(t, err)
				assert.True(t, shorter.Equal(until))
			})

			t.Run("can proceed does not record", func(t *testing.T) {
				clock := newFakeClock()
				l := factory(Config{MaxRequests: 1, Window: time.Minute, Now: clock.Now})

				for i := 0; i < 3; i++ {
					d, _ := l.CanProceed(ctx, "t1")
					assert.True(t, d.Allowed)
				}
				require.NoError(t, l.RecordAttempt(ctx, "t1"))
				d, _ := l.CanProceed(ctx, "t1")
				assert.False(t, d.Allowed)
			})
		})
	}
}

func TestRedisLimiter_SharedAcrossInstances(t *testing.T) {
	_, client := setupMiniredis(t)
	clock := newFakeClock()
	cfg := Config{MaxRequests: 2, Window: time.Minute, Now: clock.Now}

	a, err := NewRedisLimiter(&RedisLimiterConfig{Redis: client, Config: cfg})
	require.NoError(t, err)
	b, err := NewRedisLimiter(&RedisLimiterConfig{Redis: client, Config: cfg})
	require.NoError(t, err)

	ctx := context.Background()
	d, _ := a.TryAcquire(ctx, "t1")
	assert.True(t, d.Allowed)
	d, _ = b.TryAcquire(ctx, "t1")
	assert.True(t, d.Allowed)
	d, _ = a.TryAcquire(ctx, "t1")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonWindowExhausted, d.Reason)

	_, err = b.RecordRateLimited(ctx, "t1", time.Minute)
	require.NoError(t, err)
	st, err := a.State(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, st.InCooldown)
}

func TestRedisLimiter_FailsWhenRedisDown(t *testing.T) {
	mr, client := setupMiniredis(t)
	l, err := NewRedisLimiter(&RedisLimiterConfig{Redis: client, Config: *DefaultConfig()})
	require.NoError(t, err)
	mr.Close()

	_, err = l.TryAcquire(context.Background(), "t1")
	assert.Error(t, err)
}
