package gridcredit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gc "github.com/ineyio/gridcredit"
	"github.com/ineyio/gridcredit/store/memory"
	"github.com/ineyio/gridcredit/store/storetest"
)

func newLimiter(opts ...gc.RateOption) (*gc.RateLimiter, *storetest.Clock) {
	clock := storetest.NewClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(clock.Now))
	opts = append([]gc.RateOption{gc.WithRateClock(clock.Now)}, opts...)
	return gc.NewRateLimiter(store, gc.RateRule{Window: time.Minute, Max: 2}, opts...), clock
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	rl, clock := newLimiter()

	for i := 1; i <= 2; i++ {
		d, err := rl.Allow(ctx, "203.0.113.7", "/api/generate-batch")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(i), d.Count)
	}

	d, err := rl.Allow(ctx, "203.0.113.7", "/api/generate-batch")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 60, d.RetryAfter)
	assert.Equal(t, 2, d.Limit)

	clock.Advance(30 * time.Second)
	d, err = rl.Allow(ctx, "203.0.113.7", "/api/generate-batch")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 30, d.RetryAfter)

	clock.Advance(31 * time.Second)
	d, err = rl.Allow(ctx, "203.0.113.7", "/api/generate-batch")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	rl, _ := newLimiter()

	for i := 0; i < 3; i++ {
		_, err := rl.Allow(ctx, "203.0.113.7", "/api/a")
		require.NoError(t, err)
	}

	d, err := rl.Allow(ctx, "203.0.113.8", "/api/a")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other caller")

	d, err = rl.Allow(ctx, "203.0.113.7", "/api/b")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "other route")
}

func TestRateLimiter_RouteRule(t *testing.T) {
	ctx := context.Background()
	rl, _ := newLimiter(gc.WithRouteRule("/api/payment/create", gc.RateRule{Window: time.Minute, Max: 1}))

	rule, ok := rl.RouteRule("/api/payment/create")
	require.True(t, ok)
	assert.Equal(t, 1, rule.Max)
	_, ok = rl.RouteRule("/api/payment/quota")
	assert.False(t, ok)

	d, err := rl.Allow(ctx, "203.0.113.7", "/api/payment/create")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = rl.Allow(ctx, "203.0.113.7", "/api/payment/create")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.Limit)

	d, err = rl.Allow(ctx, "203.0.113.7", "/api/payment/quota")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_AllowRule(t *testing.T) {
	ctx := context.Background()
	rl, _ := newLimiter()
	rule := gc.RateRule{Window: time.Hour, Max: 1}

	d, err := rl.AllowRule(ctx, "203.0.113.7", "/api/payment/mock-pay", rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = rl.AllowRule(ctx, "203.0.113.7", "/api/payment/mock-pay", rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3600, d.RetryAfter)
}

func TestRateLimiter_ExpiredWindowsAreSwept(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(clock.Now))
	rl := gc.NewRateLimiter(store, gc.RateRule{Window: time.Minute, Max: 2}, gc.WithRateClock(clock.Now))

	for i := 0; i < 500; i++ {
		_, err := rl.Allow(ctx, "203.0.113.7", fmt.Sprintf("/api/x%d", i))
		require.NoError(t, err)
	}

	clock.Advance(2 * time.Minute)
	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
	assert.Zero(t, store.Len())
}
