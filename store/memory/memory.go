// Package memory provides an in-process Store for gridcredit.
//
// All operations run under one mutex, so every conditional mutation is atomic
// with respect to concurrent callers in the same process. State is lost on restart.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ineyio/gridcredit"
)

// Store is an in-memory Store with per-key expiry.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	value     string
	hash      map[string]string
	set       map[string]struct{}
	expiresAt time.Time // zero means no expiry
}

var _ gridcredit.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live entry for key, evicting it if expired. Caller holds mu.
func (s *Store) lookup(key string) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get returns a plain value.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.hash != nil || e.set != nil {
		return "", gridcredit.ErrNotFound
	}
	return e.value, nil
}

// Set stores a plain value.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &entry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// GetHash returns a copy of the hash at key.
func (s *Store) GetHash(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.hash == nil {
		return nil, gridcredit.ErrNotFound
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

// CreateHash stores fields if key is absent.
func (s *Store) CreateHash(_ context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	h := make(map[string]string, len(fields))
	for k, v := range fields {
		h[k] = v
	}
	s.entries[key] = &entry{hash: h, expiresAt: s.expiry(ttl)}
	return true, nil
}

// UpdateHash merges fields into an existing hash.
func (s *Store) UpdateHash(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.hash == nil {
		return gridcredit.ErrNotFound
	}
	s.merge(e, fields, ttl)
	return nil
}

// SwapHashField merges fields when field equals expect.
func (s *Store) SwapHashField(_ context.Context, key, field, expect string, fields map[string]string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.hash == nil {
		return false, gridcredit.ErrNotFound
	}
	if e.hash[field] != expect {
		return false, nil
	}
	s.merge(e, fields, ttl)
	return true, nil
}

func (s *Store) merge(e *entry, fields map[string]string, ttl time.Duration) {
	for k, v := range fields {
		e.hash[k] = v
	}
	if ttl > 0 {
		e.expiresAt = s.expiry(ttl)
	}
}

// AdjustCounter applies a bounded increment to a hash field.
func (s *Store) AdjustCounter(_ context.Context, key string, adj gridcredit.CounterAdjustment) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.hash == nil {
		return 0, false, gridcredit.ErrNotFound
	}
	current, err := intField(e.hash, adj.Field)
	if err != nil {
		return 0, false, err
	}
	var ceiling int64
	if adj.CeilingField != "" {
		if ceiling, err = intField(e.hash, adj.CeilingField); err != nil {
			return 0, false, err
		}
	}
	if !adj.Allows(current, ceiling) {
		return current, false, nil
	}
	next := current + adj.Delta
	e.hash[adj.Field] = strconv.FormatInt(next, 10)
	if adj.TTL > 0 {
		e.expiresAt = s.expiry(adj.TTL)
	}
	return next, true, nil
}

func intField(h map[string]string, field string) (int64, error) {
	raw, ok := h[field]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("gridcredit/memory: field %q is not an integer: %w", field, err)
	}
	return n, nil
}

// AddMember inserts member into the set at key.
func (s *Store) AddMember(_ context.Context, key, member string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.set == nil {
		e = &entry{set: make(map[string]struct{}), expiresAt: s.expiry(ttl)}
		s.entries[key] = e
	}
	e.set[member] = struct{}{}
	return int64(len(e.set)), nil
}

// IncrWindow increments a fixed-window counter.
func (s *Store) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		e = &entry{value: "0", expiresAt: s.expiry(window)}
		s.entries[key] = e
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("gridcredit/memory: window %q: %w", key, err)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, e.expiresAt, nil
}

// Sweep deletes expired entries. Expired entries are already invisible to
// readers; sweeping only reclaims memory for keys that are never read again.
func (s *Store) Sweep(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for key, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if _, ok := s.lookup(key); ok {
			n++
		}
	}
	return n
}
