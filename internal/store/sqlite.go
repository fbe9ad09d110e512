package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS chains (
		id            TEXT PRIMARY KEY,
		initial_agent TEXT NOT NULL,
		initial_input TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		halt_reason   TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chain_steps (
		chain_id    TEXT NOT NULL REFERENCES chains(id),
		step_number INTEGER NOT NULL,
		agent_name  TEXT NOT NULL,
		payload     TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (chain_id, step_number)
	)`,
	`CREATE TABLE IF NOT EXISTS escalations (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
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
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL,
		forwarded_at     TIMESTAMP NULL,
		resolved_at      TIMESTAMP NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nudges (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		chain_id        TEXT NOT NULL DEFAULT '',
		agent_name      TEXT NOT NULL,
		input_snapshot  TEXT NOT NULL DEFAULT '',
		output_snapshot TEXT NOT NULL DEFAULT '',
		reflection      TEXT NOT NULL DEFAULT '{}',
		message         TEXT NOT NULL,
		reason          TEXT NOT NULL,
		matched_pattern TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS drift_logs (
		seq               INTEGER PRIMARY KEY AUTOINCREMENT,
		id                TEXT NOT NULL UNIQUE,
		loop_id           TEXT NOT NULL,
		agent             TEXT NOT NULL,
		previous_checksum TEXT NOT NULL DEFAULT '',
		current_checksum  TEXT NOT NULL DEFAULT '',
		drift_score       REAL NOT NULL,
		drift_detected    INTEGER NOT NULL,
		explanation       TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS output_snapshots (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		loop_id    TEXT NOT NULL,
		agent      TEXT NOT NULL,
		tag        TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_loop_agent ON output_snapshots(loop_id, agent)`,
	`CREATE TABLE IF NOT EXISTS contract_violations (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		id             TEXT NOT NULL UNIQUE,
		chain_id       TEXT NOT NULL DEFAULT '',
		agent_id       TEXT NOT NULL,
		violation_type TEXT NOT NULL,
		details        TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL
	)`,
}

// SQLiteStore is the embedded durable backend.
type SQLiteStore struct {
	*SQLStore
}

// OpenSQLite opens (creating if needed) the audit database at path and
// applies the schema. WAL mode and a single connection keep writers ordered.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", q, err)
		}
	}

	s := &SQLiteStore{SQLStore: newSQLStore(db, dialect{name: "sqlite", ddl: sqliteDDL})}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("sqlite audit store initialized")
	return s, nil
}
