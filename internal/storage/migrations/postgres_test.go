package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"mtf-feed/internal/storage"
	"mtf-feed/internal/storage/postgres"
)

func setupPostgres(t *testing.T) *postgres.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestRunPostgresMigrations_RecordsVersionsOnce(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, RunPostgresMigrations(ctx, pool))
	// A restart finds every version applied and runs nothing.
	require.NoError(t, RunPostgresMigrations(ctx, pool))

	all, err := Load(embedded, "postgres")
	require.NoError(t, err)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, len(all), count)

	var name string
	require.NoError(t, pool.QueryRow(ctx, `SELECT name FROM schema_migrations WHERE version = 1`).Scan(&name))
	assert.Equal(t, "init", name)
}

func TestRunPostgresMigrations_MissingCounterRowFails(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, RunPostgresMigrations(ctx, pool))
	_, err := pool.Exec(ctx, `DELETE FROM event_seq`)
	require.NoError(t, err)

	err = RunPostgresMigrations(ctx, pool)
	assert.ErrorIs(t, err, storage.ErrSequenceCorrupted)
}

func TestVerifyEventSequence_CounterBehindEvents(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, RunPostgresMigrations(ctx, pool))
	_, err := pool.Exec(ctx, `
		INSERT INTO events (seq, type, scope_kind, ts) VALUES (5, 'TEST', 'GLOBAL', now())
	`)
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyEventSequence(ctx, pool), storage.ErrSequenceCorrupted)

	_, err = pool.Exec(ctx, `UPDATE event_seq SET last = 5 WHERE id = 1`)
	require.NoError(t, err)
	assert.NoError(t, VerifyEventSequence(ctx, pool))
}
