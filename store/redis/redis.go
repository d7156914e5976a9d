// Package redis provides a Redis-backed Store for gridcredit.
//
// Plain values, hashes and sets map onto native Redis types. Every conditional
// mutation is a Lua script, so it executes atomically on the server and is safe
// for multi-instance deployments.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/gridcredit"
)

// Store is a Redis-backed Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ gridcredit.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "gridcredit:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "gridcredit:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string {
	return s.keyPrefix + k
}

// createHashScript sets fields only when the key is absent.
// KEYS[1] = hash key
// ARGV[1] = ttl (ms, 0 = none)
// ARGV[2..] = field/value pairs
var createHashScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
for i = 2, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[1])
if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`)

// updateHashScript merges fields into an existing hash.
// KEYS[1] = hash key
// ARGV[1] = ttl (ms, 0 = keep)
// ARGV[2..] = field/value pairs
//
// Returns 1 on update, -1 when the key is missing.
var updateHashScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
for i = 2, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[1])
if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`)

// swapHashScript merges fields when one field holds the expected value.
// KEYS[1] = hash key
// ARGV[1] = guard field
// ARGV[2] = expected value
// ARGV[3] = ttl (ms, 0 = keep)
// ARGV[4..] = field/value pairs
//
// Returns 1 on swap, 0 on mismatch, -1 when the key is missing.
var swapHashScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local current = redis.call("HGET", KEYS[1], ARGV[1]) or ""
if current ~= ARGV[2] then
    return 0
end
for i = 4, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`)

// adjustScript is the bounded increment.
// KEYS[1] = hash key
// ARGV[1] = counter field
// ARGV[2] = delta
// ARGV[3] = floor (applies to negative deltas)
// ARGV[4] = ceiling field ("" = unbounded, applies to positive deltas)
// ARGV[5] = ttl (ms, 0 = keep)
//
// Returns {applied, value}; {-1, 0} when the key is missing.
var adjustScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {-1, 0}
end
local current = tonumber(redis.call("HGET", KEYS[1], ARGV[1]) or "0")
local delta = tonumber(ARGV[2])
local nxt = current + delta
if delta < 0 and nxt < tonumber(ARGV[3]) then
    return {0, current}
end
if delta > 0 and ARGV[4] ~= "" then
    local ceiling = tonumber(redis.call("HGET", KEYS[1], ARGV[4]) or "0")
    if nxt > ceiling then
        return {0, current}
    end
end
redis.call("HSET", KEYS[1], ARGV[1], tostring(nxt))
local ttl = tonumber(ARGV[5])
if ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return {1, nxt}
`)

// addMemberScript inserts into a set, setting expiry only on creation.
// KEYS[1] = set key
// ARGV[1] = member
// ARGV[2] = ttl (ms)
var addMemberScript = goredis.NewScript(`
local created = redis.call("EXISTS", KEYS[1]) == 0
redis.call("SADD", KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if created and ttl > 0 then
    redis.call("PEXPIRE", KEYS[1], ttl)
end
return redis.call("SCARD", KEYS[1])
`)

// windowScript is a fixed-window counter.
// KEYS[1] = counter key
// ARGV[1] = window (ms)
//
// Returns {count, remaining ms}.
var windowScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Get returns a plain value.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", gridcredit.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("gridcredit/redis: get: %w", err)
	}
	return v, nil
}

// Set stores a plain value.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("gridcredit/redis: set: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("gridcredit/redis: delete: %w", err)
	}
	return nil
}

// GetHash returns all fields of the hash at key.
func (s *Store) GetHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("gridcredit/redis: get hash: %w", err)
	}
	if len(fields) == 0 {
		return nil, gridcredit.ErrNotFound
	}
	return fields, nil
}

// CreateHash stores fields if key is absent.
func (s *Store) CreateHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	args := append([]any{ttl.Milliseconds()}, pairs(fields)...)
	n, err := createHashScript.Run(ctx, s.client, []string{s.key(key)}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("gridcredit/redis: create hash: %w", err)
	}
	return n == 1, nil
}

// UpdateHash merges fields into an existing hash.
func (s *Store) UpdateHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	args := append([]any{ttl.Milliseconds()}, pairs(fields)...)
	n, err := updateHashScript.Run(ctx, s.client, []string{s.key(key)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("gridcredit/redis: update hash: %w", err)
	}
	if n < 0 {
		return gridcredit.ErrNotFound
	}
	return nil
}

// SwapHashField merges fields when field equals expect.
func (s *Store) SwapHashField(ctx context.Context, key, field, expect string, fields map[string]string, ttl time.Duration) (bool, error) {
	args := append([]any{field, expect, ttl.Milliseconds()}, pairs(fields)...)
	n, err := swapHashScript.Run(ctx, s.client, []string{s.key(key)}, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("gridcredit/redis: swap hash field: %w", err)
	}
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, gridcredit.ErrNotFound
	}
}

// AdjustCounter applies a bounded increment to a hash field.
func (s *Store) AdjustCounter(ctx context.Context, key string, adj gridcredit.CounterAdjustment) (int64, bool, error) {
	res, err := adjustScript.Run(ctx, s.client, []string{s.key(key)},
		adj.Field, adj.Delta, adj.Floor, adj.CeilingField, adj.TTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("gridcredit/redis: adjust counter: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("gridcredit/redis: unexpected adjust result: %v", res)
	}
	switch res[0] {
	case 1:
		return res[1], true, nil
	case 0:
		return res[1], false, nil
	default:
		return 0, false, gridcredit.ErrNotFound
	}
}

// AddMember inserts member into the set at key.
func (s *Store) AddMember(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	n, err := addMemberScript.Run(ctx, s.client, []string{s.key(key)}, member, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("gridcredit/redis: add member: %w", err)
	}
	return n, nil
}

// IncrWindow increments a fixed-window counter.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := time.Now()
	res, err := windowScript.Run(ctx, s.client, []string{s.key(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("gridcredit/redis: incr window: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("gridcredit/redis: unexpected window result: %v", res)
	}
	return res[0], now.Add(time.Duration(res[1]) * time.Millisecond), nil
}

func pairs(fields map[string]string) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
