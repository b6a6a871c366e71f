package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestBreaker(clock *fakeClock, isFailure func(error) bool) *CircuitBreaker {
	return NewCircuitBreaker(&Config{
		Name:                "test-" + time.Now().Format(time.RFC3339Nano),
		ConsecutiveFailures: 3,
		Timeout:             10 * time.Second,
		HalfOpenMaxCalls:    1,
		IsFailure:           isFailure,
		Now:                 clock.Now,
	})
}

func fail(ctx context.Context) error    { return errors.New("upstream 503") }
func succeed(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clock.Advance(11 * time.Second)
	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clock.Advance(11 * time.Second)
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	ignored := errors.New("rate limited")
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock, func(err error) bool { return !errors.Is(err, ignored) })

	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return ignored })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestRegistry_ReusesBreakers(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Get("meta")
	b := r.Get("meta")
	assert.Same(t, a, b)
	assert.NotSame(t, a, r.Get("shopify"))
	assert.Equal(t, StateClosed, r.States()["shopify"])
}
