package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS chains (
		id            TEXT PRIMARY KEY,
		initial_agent TEXT NOT NULL,
		initial_input TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		halt_reason   TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chain_steps (
		chain_id    TEXT NOT NULL REFERENCES chains(id),
		step_number INTEGER NOT NULL,
		agent_name  TEXT NOT NULL,
		payload     TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (chain_id, step_number)
	)`,
	`CREATE TABLE IF NOT EXISTS escalations (
		seq              BIGSERIAL PRIMARY KEY,
		id               TEXT NOT NULL UNIQUE,
		chain_id         TEXT NOT NULL DEFAULT '',
		agent_name       TEXT NOT NULL,
		task_description TEXT NOT NULL DEFAULT '',
		reason           TEXT NOT NULL,
		reflection       TEXT NOT NULL DEFAULT '{}',
		memory_summary   TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		forwarded_to     TEXT NOT NULL DEFAULT '',
		resolution_notes TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		forwarded_at     TIMESTAMPTZ NULL,
		resolved_at      TIMESTAMPTZ NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nudges (
		seq             BIGSERIAL PRIMARY KEY,
		id              TEXT NOT NULL UNIQUE,
		chain_id        TEXT NOT NULL DEFAULT '',
		agent_name      TEXT NOT NULL,
		input_snapshot  TEXT NOT NULL DEFAULT '',
		output_snapshot TEXT NOT NULL DEFAULT '',
		reflection      TEXT NOT NULL DEFAULT '{}',
		message         TEXT NOT NULL,
		reason          TEXT NOT NULL,
		matched_pattern TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS drift_logs (
		seq               BIGSERIAL PRIMARY KEY,
		id                TEXT NOT NULL UNIQUE,
		loop_id           TEXT NOT NULL,
		agent             TEXT NOT NULL,
		previous_checksum TEXT NOT NULL DEFAULT '',
		current_checksum  TEXT NOT NULL DEFAULT '',
		drift_score       DOUBLE PRECISION NOT NULL,
		drift_detected    INTEGER NOT NULL,
		explanation       TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS output_snapshots (
		seq        BIGSERIAL PRIMARY KEY,
		id         TEXT NOT NULL UNIQUE,
		loop_id    TEXT NOT NULL,
		agent      TEXT NOT NULL,
		tag        TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_loop_agent ON output_snapshots(loop_id, agent)`,
	`CREATE TABLE IF NOT EXISTS contract_violations (
		seq            BIGSERIAL PRIMARY KEY,
		id             TEXT NOT NULL UNIQUE,
		chain_id       TEXT NOT NULL DEFAULT '',
		agent_id       TEXT NOT NULL,
		violation_type TEXT NOT NULL,
		details        TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL
	)`,
}

// PostgresStore is the server-grade durable backend. It shares the query
// layer with SQLiteStore through pgx's database/sql adapter over a pgxpool.
type PostgresStore struct {
	*SQLStore
	pool *pgxpool.Pool
}

// OpenPostgres connects to connURL, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	s := &PostgresStore{
		SQLStore: newSQLStore(db, dialect{name: "postgres", ddl: postgresDDL, numbered: true}),
		pool:     pool,
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}

	log.Info().Msg("postgres audit store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	err := s.SQLStore.Close()
	s.pool.Close()
	return err
}
