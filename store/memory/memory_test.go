package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/gridcredit"
	"github.com/ineyio/gridcredit/store/memory"
	"github.com/ineyio/gridcredit/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (gridcredit.Store, func(time.Duration)) {
		clock := storetest.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
		return memory.New(memory.WithClock(clock.Now)), clock.Advance
	})
}

func TestLenSkipsExpired(t *testing.T) {
	clock := storetest.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s := memory.New(memory.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, s.Set(ctx, "b", "1", 0))
	assert.Equal(t, 2, s.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Len())
}

func TestWindowResetAtIsWindowEnd(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := storetest.NewClock(start)
	s := memory.New(memory.WithClock(clock.Now))

	_, resetAt, err := s.IncrWindow(context.Background(), "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Minute), resetAt)

	clock.Advance(30 * time.Second)
	n, resetAt, err := s.IncrWindow(context.Background(), "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, start.Add(time.Minute), resetAt)
}

func TestSweepDropsExpired(t *testing.T) {
	clock := storetest.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	s := memory.New(memory.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "plain", "1", time.Minute))
	require.NoError(t, s.Set(ctx, "forever", "1", 0))
	_, err := s.AddMember(ctx, "devices", "d1", time.Hour)
	require.NoError(t, err)
	_, _, err = s.IncrWindow(ctx, "window", time.Minute)
	require.NoError(t, err)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2, s.Len())

	clock.Advance(time.Hour)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, s.Len())
}
