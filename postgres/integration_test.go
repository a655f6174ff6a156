//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/relay/postgres"
)

// Helper: set up a pool against TEST_DB_DSN with a clean schema.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: TEST_DB_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.ApplyMigrations(ctx, pool))

	_, err = pool.Exec(ctx, "TRUNCATE TABLE outbox, inbox, outbox_join_members, outbox_joins, leases CASCADE")
	require.NoError(t, err)

	return pool
}

func setupOutbox(t *testing.T) *postgres.Outbox {
	t.Helper()
	return postgres.NewOutbox(setupPool(t), "test")
}

func setupInbox(t *testing.T) *postgres.Inbox {
	t.Helper()
	return postgres.NewInbox(setupPool(t), "test")
}
