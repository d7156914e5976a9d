package gridcredit

import (
	"context"
	"time"
)

// Store is the key-value contract shared by the ledger, the abuse guard and the
// rate limiter. Every conditional mutation is a single atomic operation on the
// backend; callers never read-check-write across two round trips.
//
// Expired entries behave as absent. Missing keys yield ErrNotFound where a
// method returns a value.
type Store interface {
	// Get returns a plain value.
	Get(ctx context.Context, key string) (string, error)
	// Set stores a plain value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes a key of any kind. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// GetHash returns all fields of a hash.
	GetHash(ctx context.Context, key string) (map[string]string, error)
	// CreateHash stores fields only if key is absent.
	CreateHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error)
	// UpdateHash merges fields into an existing hash. ttl == 0 keeps the current expiry.
	UpdateHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	// SwapHashField merges fields into the hash only when field currently equals expect.
	// ttl == 0 keeps the current expiry.
	SwapHashField(ctx context.Context, key, field, expect string, fields map[string]string, ttl time.Duration) (bool, error)
	// AdjustCounter applies a bounded increment to an integer hash field.
	// It returns the resulting value and whether the bound allowed the change.
	// When the change is refused the stored value is returned unchanged.
	AdjustCounter(ctx context.Context, key string, adj CounterAdjustment) (int64, bool, error)

	// AddMember inserts member into a set and returns the set's cardinality.
	// ttl applies only when the set is created.
	AddMember(ctx context.Context, key, member string, ttl time.Duration) (int64, error)

	// IncrWindow increments a fixed-window counter, starting a new window of the
	// given length when none is active. It returns the count and the window's end.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// CounterAdjustment describes one bounded change to an integer hash field.
//
// A negative Delta is refused when the result would drop below Floor.
// A positive Delta is refused when CeilingField is set and the result would
// exceed that field's value.
type CounterAdjustment struct {
	Field        string
	Delta        int64
	Floor        int64
	CeilingField string
	// TTL refreshes the hash's expiry when the change is applied. Zero keeps it.
	TTL time.Duration
}

// Allows reports whether moving from current by Delta respects the bounds.
// ceiling is ignored unless CeilingField is set.
func (a CounterAdjustment) Allows(current, ceiling int64) bool {
	next := current + a.Delta
	if a.Delta < 0 && next < a.Floor {
		return false
	}
	if a.Delta > 0 && a.CeilingField != "" && next > ceiling {
		return false
	}
	return true
}
