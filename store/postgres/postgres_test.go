//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/gridcredit"
	storepg "github.com/ineyio/gridcredit/store/postgres"
	"github.com/ineyio/gridcredit/store/storetest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/gridcredit_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool, opts ...storepg.Option) *storepg.Store {
	t.Helper()
	// Unique prefix per test to avoid collisions.
	name := strings.NewReplacer("/", "_", "-", "_").Replace(strings.ToLower(t.Name()))
	prefix := fmt.Sprintf("test_%s_", name)
	s := storepg.New(pool, append([]storepg.Option{storepg.WithTablePrefix(prefix)}, opts...)...)

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { s.DropSchema(context.Background()) })
	return s
}

func TestConformance(t *testing.T) {
	pool := newTestPool(t)
	storetest.Run(t, func(t *testing.T) (gridcredit.Store, func(time.Duration)) {
		clock := storetest.NewClock(time.Now().UTC())
		return newTestStore(t, pool, storepg.WithClock(clock.Now)), clock.Advance
	})
}

func TestSweep(t *testing.T) {
	pool := newTestPool(t)
	clock := storetest.NewClock(time.Now().UTC())
	s := newTestStore(t, pool, storepg.WithClock(clock.Now))
	ctx := context.Background()

	if err := s.Set(ctx, "a", "1", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.CreateHash(ctx, "h", map[string]string{"x": "1"}, time.Minute); err != nil {
		t.Fatalf("create hash: %v", err)
	}
	if err := s.Set(ctx, "keep", "1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	clock.Advance(2 * time.Minute)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept rows, got %d", n)
	}
	if _, err := s.Get(ctx, "keep"); err != nil {
		t.Fatalf("keep: %v", err)
	}
}
