package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	datp "github.com/tooltwist/datp-sub001"
)

// SetupTestDB creates a test database connection and applies the schema.
// Tests that need a database are skipped when DATABASE_URL is not set.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		t.Skip("DATABASE_URL not set; skipping database-backed test")
	}

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err, "Failed to connect to database")

	// Verify connection with retries (for CI environments)
	maxRetries := 10
	for i := 0; i < maxRetries; i++ {
		err = pool.Ping(ctx)
		if err == nil {
			break
		}
		if i == maxRetries-1 {
			require.NoError(t, err, "Failed to ping database after retries")
		}
		t.Logf("Waiting for database... (attempt %d/%d)", i+1, maxRetries)
		time.Sleep(2 * time.Second)
	}

	_, err = pool.Exec(ctx, datp.SchemaSQL)
	require.NoError(t, err, "Failed to apply schema")

	t.Cleanup(func() {
		pool.Close()
	})

	return pool
}

// TruncateTables empties the datp tables between tests.
func TruncateTables(t *testing.T, pool *pgxpool.Pool) {
	ctx := context.Background()
	for _, table := range []string{
		"datp.transaction_deltas",
		"datp.webhooks",
		"datp.nodes",
		"datp.transactions",
	} {
		_, err := pool.Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err, "Failed to truncate %s", table)
	}
}
