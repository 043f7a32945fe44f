package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Set STEPFLOW_TEST_POSTGRES_DSN to run the suite against a live server.
// Tables are truncated before every subtest.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("STEPFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STEPFLOW_TEST_POSTGRES_DSN not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		_, err = s.pool.Exec(ctx, `TRUNCATE graphs, runs, events, scheduled_jobs`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
