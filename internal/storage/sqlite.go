// Package storage opens the host's SQLite state database and keeps its
// schema current.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// migration is one schema step. Versions are applied in order and recorded
// in schema_version; a database newer than this binary is refused.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{version: 1, stmts: []string{
		`CREATE TABLE plugin_metadata (
  plugin_id    TEXT NOT NULL,
  extension    TEXT NOT NULL,
  version      TEXT NOT NULL,
  fingerprint  TEXT NOT NULL,
  metadata     JSON NOT NULL,
  fetched_at   TEXT NOT NULL,
  PRIMARY KEY (plugin_id, extension)
);`,
	}},
	{version: 2, stmts: []string{
		`CREATE TABLE delivery_log (
  id           TEXT PRIMARY KEY,
  queue        TEXT NOT NULL,
  plugin_id    TEXT NOT NULL,
  kind         TEXT NOT NULL,
  outcome      TEXT NOT NULL,
  last_error   TEXT,
  created_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL
);`,
		`CREATE INDEX delivery_log_queue_plugin_idx ON delivery_log(queue, plugin_id, completed_at);`,
	}},
	{version: 3, stmts: []string{
		`CREATE INDEX delivery_log_plugin_outcome_idx ON delivery_log(plugin_id, outcome, completed_at);`,
	}},
}

// ErrSchemaTooNew is returned when the database was written by a newer host.
var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

// SchemaVersion is the version a freshly migrated database reports.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// migrates it to the current schema.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Queue workers log deliveries concurrently; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies every pending migration, each in its own transaction.
// Running it against an up-to-date database is a no-op.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL, applied_at TEXT NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > SchemaVersion() {
		return fmt.Errorf("%w: have %d, know %d", ErrSchemaTooNew, current, SchemaVersion())
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version(version, applied_at) VALUES(?, ?);",
		m.version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("migration %d: record version: %w", m.version, err)
	}
	return tx.Commit()
}

// CurrentVersion reports the highest applied migration, 0 for a new database.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version;").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}
