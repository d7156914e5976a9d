// Package postgres provides a PostgreSQL-backed Store for gridcredit.
//
// Values, hashes, sets and window counters live in separate tables. Hash
// fields are a JSONB object of strings. Every conditional mutation is a single
// conditional UPDATE or INSERT ... ON CONFLICT, so concurrent callers on any
// number of instances observe a serializable order per key.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/gridcredit"
)

// Store is a PostgreSQL-backed Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var _ gridcredit.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "gridcredit_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock overrides the time source used to compute expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "gridcredit_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) kvTable() string     { return s.tablePrefix + "kv" }
func (s *Store) hashTable() string   { return s.tablePrefix + "hashes" }
func (s *Store) setTable() string    { return s.tablePrefix + "sets" }
func (s *Store) memberTable() string { return s.tablePrefix + "set_members" }
func (s *Store) windowTable() string { return s.tablePrefix + "windows" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			key TEXT PRIMARY KEY,
			fields JSONB NOT NULL DEFAULT '{}'::jsonb,
			expires_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			key TEXT PRIMARY KEY,
			expires_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			key TEXT NOT NULL REFERENCES %[3]s (key) ON DELETE CASCADE,
			member TEXT NOT NULL,
			PRIMARY KEY (key, member)
		);
		CREATE TABLE IF NOT EXISTS %[5]s (
			key TEXT PRIMARY KEY,
			count BIGINT NOT NULL,
			reset_at TIMESTAMPTZ NOT NULL
		);
	`, s.kvTable(), s.hashTable(), s.setTable(), s.memberTable(), s.windowTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("gridcredit/postgres: ensure schema: %w", err)
	}
	return nil
}

// DropSchema removes every table owned by this store.
func (s *Store) DropSchema(ctx context.Context) error {
	q := fmt.Sprintf(`DROP TABLE IF EXISTS %s, %s, %s, %s, %s`,
		s.memberTable(), s.setTable(), s.hashTable(), s.kvTable(), s.windowTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("gridcredit/postgres: drop schema: %w", err)
	}
	return nil
}

func (s *Store) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.now().UTC().Add(ttl)
	return &t
}

// Get returns a plain value.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`, s.kvTable()),
		key, s.now().UTC(),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", gridcredit.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("gridcredit/postgres: get: %w", err)
	}
	return value, nil
}

// Set stores a plain value (upsert).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, s.kvTable()),
		key, value, s.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("gridcredit/postgres: set: %w", err)
	}
	return nil
}

// Delete removes key from every table.
func (s *Store) Delete(ctx context.Context, key string) error {
	batch := &pgx.Batch{}
	for _, table := range []string{s.kvTable(), s.hashTable(), s.setTable(), s.windowTable()} {
		batch.Queue(fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, table), key)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("gridcredit/postgres: delete: %w", err)
	}
	return nil
}

// GetHash returns all fields of the hash at key.
func (s *Store) GetHash(ctx context.Context, key string) (map[string]string, error) {
	var fields map[string]string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT fields FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`, s.hashTable()),
		key, s.now().UTC(),
	).Scan(&fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gridcredit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gridcredit/postgres: get hash: %w", err)
	}
	return fields, nil
}

// CreateHash stores fields if key is absent or expired.
func (s *Store) CreateHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	var created bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (key, fields, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET fields = EXCLUDED.fields, expires_at = EXCLUDED.expires_at
			WHERE %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= $4
			RETURNING true`, s.hashTable()),
		key, fields, s.expiry(ttl), s.now().UTC(),
	).Scan(&created)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gridcredit/postgres: create hash: %w", err)
	}
	return created, nil
}

// UpdateHash merges fields into an existing hash.
func (s *Store) UpdateHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET fields = fields || $2::jsonb, expires_at = COALESCE($3::timestamptz, expires_at)
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > $4)`, s.hashTable()),
		key, fields, s.expiry(ttl), s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("gridcredit/postgres: update hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gridcredit.ErrNotFound
	}
	return nil
}

// SwapHashField merges fields when field equals expect.
func (s *Store) SwapHashField(ctx context.Context, key, field, expect string, fields map[string]string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET fields = fields || $2::jsonb, expires_at = COALESCE($3::timestamptz, expires_at)
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > $4)
			AND COALESCE(fields->>$5::text, '') = $6`, s.hashTable()),
		key, fields, s.expiry(ttl), now, field, expect,
	)
	if err != nil {
		return false, fmt.Errorf("gridcredit/postgres: swap hash field: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetHash(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

// AdjustCounter applies a bounded increment to a hash field in one statement.
func (s *Store) AdjustCounter(ctx context.Context, key string, adj gridcredit.CounterAdjustment) (int64, bool, error) {
	now := s.now().UTC()
	var value int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET
				fields = jsonb_set(fields, ARRAY[$2::text],
					to_jsonb((COALESCE(fields->>$2::text, '0')::bigint + $3::bigint)::text)),
				expires_at = COALESCE($6::timestamptz, expires_at)
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > $7)
			AND (
				($3::bigint < 0 AND COALESCE(fields->>$2::text, '0')::bigint + $3::bigint >= $4::bigint)
				OR ($3::bigint > 0 AND ($5::text = ''
					OR COALESCE(fields->>$2::text, '0')::bigint + $3::bigint <= COALESCE(fields->>$5::text, '0')::bigint))
				OR $3::bigint = 0
			)
			RETURNING (fields->>$2::text)::bigint`, s.hashTable()),
		key, adj.Field, adj.Delta, adj.Floor, adj.CeilingField, s.expiry(adj.TTL), now,
	).Scan(&value)
	if err == nil {
		return value, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("gridcredit/postgres: adjust counter: %w", err)
	}

	// Refused or missing: report the current value.
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(fields->>$2::text, '0')::bigint FROM %s
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > $3)`, s.hashTable()),
		key, adj.Field, now,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, gridcredit.ErrNotFound
	}
	if err != nil {
		return 0, false, fmt.Errorf("gridcredit/postgres: adjust counter: %w", err)
	}
	return value, false, nil
}

// AddMember inserts member into the set at key.
func (s *Store) AddMember(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	now := s.now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("gridcredit/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Drop an expired set so it is recreated with a fresh expiry.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= $2`, s.setTable()),
		key, now,
	)
	if err != nil {
		return 0, fmt.Errorf("gridcredit/postgres: add member: %w", err)
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, expires_at) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, s.setTable()),
		key, s.expiry(ttl),
	)
	if err != nil {
		return 0, fmt.Errorf("gridcredit/postgres: add member: %w", err)
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, member) VALUES ($1, $2) ON CONFLICT DO NOTHING`, s.memberTable()),
		key, member,
	)
	if err != nil {
		return 0, fmt.Errorf("gridcredit/postgres: add member: %w", err)
	}
	var n int64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE key = $1`, s.memberTable()),
		key,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("gridcredit/postgres: add member: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("gridcredit/postgres: commit: %w", err)
	}
	return n, nil
}

// IncrWindow increments a fixed-window counter in one upsert.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := s.now().UTC()
	var (
		count   int64
		resetAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (key, count, reset_at) VALUES ($1, 1, $2)
			ON CONFLICT (key) DO UPDATE SET
				count = CASE WHEN %[1]s.reset_at <= $3 THEN 1 ELSE %[1]s.count + 1 END,
				reset_at = CASE WHEN %[1]s.reset_at <= $3 THEN $2 ELSE %[1]s.reset_at END
			RETURNING count, reset_at`, s.windowTable()),
		key, now.Add(window), now,
	).Scan(&count, &resetAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("gridcredit/postgres: incr window: %w", err)
	}
	return count, resetAt, nil
}

// Sweep deletes expired rows. Expired rows are already invisible to readers;
// this only reclaims space.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	batch := &pgx.Batch{}
	for _, table := range []string{s.kvTable(), s.hashTable(), s.setTable()} {
		batch.Queue(fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, table), now)
	}
	batch.Queue(fmt.Sprintf(`DELETE FROM %s WHERE reset_at <= $1`, s.windowTable()), now)

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	var total int64
	for range 4 {
		tag, err := results.Exec()
		if err != nil {
			return total, fmt.Errorf("gridcredit/postgres: sweep: %w", err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
