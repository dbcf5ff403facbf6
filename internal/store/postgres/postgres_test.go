package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/linguavox/internal/store"
	"github.com/MrWong99/linguavox/internal/store/postgres"
	"github.com/MrWong99/linguavox/internal/store/storetest"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if LINGUAVOX_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LINGUAVOX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LINGUAVOX_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore opens a Store on a freshly migrated schema.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS linguavox_turns CASCADE",
		"DROP TABLE IF EXISTS linguavox_sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}
	pool.Close()

	s, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// The conformance subtests share one database and therefore run serially.
func TestConformance(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t).(*postgres.Store)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
