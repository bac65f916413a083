package migrations

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"mtf-feed/internal/storage"
	"mtf-feed/internal/storage/postgres"
)

// advisoryLockKey serializes migration runs of processes sharing a database.
const advisoryLockKey int64 = 0x6d74662d66656564

const createPostgresVersions = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER     PRIMARY KEY,
		name       TEXT        NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// RunPostgresMigrations applies the pending embedded migrations, each in its
// own transaction together with its schema_migrations row, then verifies the
// event sequence counter.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	all, err := Load(embedded, "postgres")
	if err != nil {
		return err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
	}()

	if _, err := conn.Exec(ctx, createPostgresVersions); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return fmt.Errorf("scan applied migrations: %w", err)
	}
	for _, v := range versions {
		applied[int(v)] = true
	}

	for _, m := range pending(all, applied) {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("apply migration %d_%s: %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return VerifyEventSequence(ctx, pool)
}

// VerifyEventSequence checks that the event counter row exists and is not
// behind the highest stored event. Either failure matches
// storage.ErrSequenceCorrupted.
func VerifyEventSequence(ctx context.Context, pool *postgres.Pool) error {
	var last int64
	err := pool.QueryRow(ctx, `SELECT last FROM event_seq WHERE id = 1`).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: counter row missing", storage.ErrSequenceCorrupted)
	}
	if err != nil {
		return fmt.Errorf("read event sequence: %w", err)
	}

	var maxSeq int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&maxSeq); err != nil {
		return fmt.Errorf("read max event seq: %w", err)
	}
	if last < maxSeq {
		return fmt.Errorf("%w: counter %d behind stored seq %d", storage.ErrSequenceCorrupted, last, maxSeq)
	}
	return nil
}
