package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/onnwee/bugbot/db"
)

// SetupTestPool returns a pool on a clean database. It uses TEST_PG_DSN when set and
// otherwise starts a throwaway Postgres container. The test is skipped in -short mode or
// when neither is available.
func SetupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		if testing.Short() {
			t.Skip("TEST_PG_DSN not set and -short given")
		}
		container, err := postgres.Run(ctx,
			"postgres:15-alpine",
			postgres.WithDatabase("bugbot"),
			postgres.WithUsername("bugbot"),
			postgres.WithPassword("bugbot"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("connection string: %v", err)
		}
	}

	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP SCHEMA IF EXISTS bot CASCADE`); err != nil {
		pool.Close()
		t.Fatalf("failed to reset schema: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}
