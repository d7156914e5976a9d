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

func newGuard(opts ...gc.AbuseOption) (*gc.AbuseGuard, *storetest.Clock) {
	clock := storetest.NewClock(time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC))
	store := memory.New(memory.WithClock(clock.Now))
	opts = append([]gc.AbuseOption{gc.WithAbuseClock(clock.Now, time.UTC)}, opts...)
	return gc.NewAbuseGuard(store, opts...), clock
}

func TestAbuseGuard_DeviceCeiling(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard()

	for i := 1; i <= gc.DefaultDeviceLimit; i++ {
		v, err := g.Check(ctx, "203.0.113.7", fmt.Sprintf("device-%d", i))
		require.NoError(t, err)
		assert.True(t, v.Allowed)
		assert.Equal(t, i, v.DeviceCount)
	}

	v, err := g.Check(ctx, "203.0.113.7", "device-11")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, 11, v.DeviceCount)

	v, err = g.Check(ctx, "203.0.113.7", "device-3")
	require.NoError(t, err)
	assert.False(t, v.Allowed, "ceiling applies to known devices too")
	assert.Equal(t, 11, v.DeviceCount)

	v, err = g.Check(ctx, "203.0.113.8", "device-11")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, 1, v.DeviceCount)
}

func TestAbuseGuard_RepeatedDeviceCountsOnce(t *testing.T) {
	ctx := context.Background()
	g, _ := newGuard(gc.WithDeviceLimit(1))

	for i := 0; i < 3; i++ {
		v, err := g.Check(ctx, "203.0.113.7", "device-1")
		require.NoError(t, err)
		assert.True(t, v.Allowed)
		assert.Equal(t, 1, v.DeviceCount)
	}
}

func TestAbuseGuard_NewDay(t *testing.T) {
	ctx := context.Background()
	g, clock := newGuard(gc.WithDeviceLimit(1))

	_, err := g.Check(ctx, "203.0.113.7", "device-1")
	require.NoError(t, err)
	v, err := g.Check(ctx, "203.0.113.7", "device-2")
	require.NoError(t, err)
	assert.False(t, v.Allowed)

	clock.Advance(3 * time.Hour)
	v, err = g.Check(ctx, "203.0.113.7", "device-2")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, 1, v.DeviceCount)
}
