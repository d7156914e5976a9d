// Package storetest is a backend-agnostic conformance suite for gridcredit.Store.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/gridcredit"
)

// Factory returns a fresh, empty store and a function that moves the store's
// notion of time forward.
type Factory func(t *testing.T) (gridcredit.Store, func(time.Duration))

// Clock is a goroutine-safe manual clock for backends that accept a time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current manual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PlainValues", func(t *testing.T) { testPlainValues(t, newStore) })
	t.Run("Expiry", func(t *testing.T) { testExpiry(t, newStore) })
	t.Run("Hashes", func(t *testing.T) { testHashes(t, newStore) })
	t.Run("SwapHashField", func(t *testing.T) { testSwapHashField(t, newStore) })
	t.Run("AdjustCounterCeiling", func(t *testing.T) { testAdjustCeiling(t, newStore) })
	t.Run("AdjustCounterFloor", func(t *testing.T) { testAdjustFloor(t, newStore) })
	t.Run("AdjustCounterConcurrent", func(t *testing.T) { testAdjustConcurrent(t, newStore) })
	t.Run("Sets", func(t *testing.T) { testSets(t, newStore) })
	t.Run("Windows", func(t *testing.T) { testWindows(t, newStore) })
}

func testPlainValues(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, gridcredit.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v1", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, s.Set(ctx, "k", "v2", time.Hour))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, gridcredit.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "k"), "deleting a missing key")
}

func testExpiry(t *testing.T, newStore Factory) {
	s, advance := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", "v", 2*time.Second))
	created, err := s.CreateHash(ctx, "h", map[string]string{"a": "1"}, 2*time.Second)
	require.NoError(t, err)
	require.True(t, created)

	advance(3 * time.Second)

	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, gridcredit.ErrNotFound)
	_, err = s.GetHash(ctx, "h")
	assert.ErrorIs(t, err, gridcredit.ErrNotFound)

	created, err = s.CreateHash(ctx, "h", map[string]string{"a": "2"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, created, "expired hash is recreated")
	h, err := s.GetHash(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, "2", h["a"])
}

func testHashes(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.GetHash(ctx, "h")
	require.ErrorIs(t, err, gridcredit.ErrNotFound)
	require.ErrorIs(t, s.UpdateHash(ctx, "h", map[string]string{"a": "1"}, 0), gridcredit.ErrNotFound)

	created, err := s.CreateHash(ctx, "h", map[string]string{"a": "1", "b": "2"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateHash(ctx, "h", map[string]string{"a": "9"}, time.Hour)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.UpdateHash(ctx, "h", map[string]string{"b": "3", "c": "4"}, 0))
	h, err := s.GetHash(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "3", "c": "4"}, h)

	require.NoError(t, s.Delete(ctx, "h"))
	_, err = s.GetHash(ctx, "h")
	require.ErrorIs(t, err, gridcredit.ErrNotFound)
}

func testSwapHashField(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.SwapHashField(ctx, "order", "status", "pending", map[string]string{"status": "paid"}, 0)
	require.ErrorIs(t, err, gridcredit.ErrNotFound)

	_, err = s.CreateHash(ctx, "order", map[string]string{"status": "pending"}, time.Hour)
	require.NoError(t, err)

	swapped, err := s.SwapHashField(ctx, "order", "status", "pending",
		map[string]string{"status": "paid", "paid_at": "now"}, 0)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.SwapHashField(ctx, "order", "status", "pending",
		map[string]string{"status": "cancelled"}, 0)
	require.NoError(t, err)
	assert.False(t, swapped)

	h, err := s.GetHash(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, "paid", h["status"])
	assert.Equal(t, "now", h["paid_at"])
}

func testAdjustCeiling(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, _, err := s.AdjustCounter(ctx, "quota", gridcredit.CounterAdjustment{Field: "used", Delta: 1, CeilingField: "limit"})
	require.ErrorIs(t, err, gridcredit.ErrNotFound)

	_, err = s.CreateHash(ctx, "quota", map[string]string{"used": "0", "limit": "3"}, time.Hour)
	require.NoError(t, err)

	inc := gridcredit.CounterAdjustment{Field: "used", Delta: 1, CeilingField: "limit"}
	var results []bool
	for range 4 {
		_, applied, err := s.AdjustCounter(ctx, "quota", inc)
		require.NoError(t, err)
		results = append(results, applied)
	}
	assert.Equal(t, []bool{true, true, true, false}, results)

	v, applied, err := s.AdjustCounter(ctx, "quota", inc)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(3), v, "refused change reports the stored value")

	h, err := s.GetHash(ctx, "quota")
	require.NoError(t, err)
	assert.Equal(t, "3", h["used"])
}

func testAdjustFloor(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, err := s.CreateHash(ctx, "order", map[string]string{"remaining": "1", "total": "2"}, time.Hour)
	require.NoError(t, err)

	dec := gridcredit.CounterAdjustment{Field: "remaining", Delta: -1, Floor: 0}
	v, applied, err := s.AdjustCounter(ctx, "order", dec)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(0), v)

	v, applied, err = s.AdjustCounter(ctx, "order", dec)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(0), v)

	inc := gridcredit.CounterAdjustment{Field: "remaining", Delta: 1, CeilingField: "total"}
	for _, want := range []bool{true, true, false} {
		_, applied, err = s.AdjustCounter(ctx, "order", inc)
		require.NoError(t, err)
		assert.Equal(t, want, applied)
	}

	h, err := s.GetHash(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, "2", h["remaining"])
}

func testAdjustConcurrent(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	const limit = 5
	_, err := s.CreateHash(ctx, "quota", map[string]string{"used": "0", "limit": fmt.Sprint(limit)}, time.Hour)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := s.AdjustCounter(ctx, "quota",
				gridcredit.CounterAdjustment{Field: "used", Delta: 1, CeilingField: "limit"})
			if err == nil && applied {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), granted.Load())
	h, err := s.GetHash(ctx, "quota")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(limit), h["used"])
}

func testSets(t *testing.T, newStore Factory) {
	s, _ := newStore(t)
	ctx := context.Background()

	for i, member := range []string{"d1", "d2", "d3"} {
		n, err := s.AddMember(ctx, "devices", member, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), n)
	}

	n, err := s.AddMember(ctx, "devices", "d2", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "duplicate member does not grow the set")
}

func testWindows(t *testing.T, newStore Factory) {
	s, advance := newStore(t)
	ctx := context.Background()

	var resetAt time.Time
	for i := 1; i <= 3; i++ {
		n, reset, err := s.IncrWindow(ctx, "rate", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
		if i == 1 {
			resetAt = reset
		}
	}
	assert.False(t, resetAt.IsZero())

	advance(11 * time.Second)

	n, _, err := s.IncrWindow(ctx, "rate", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "a new window starts after the old one ends")
}
