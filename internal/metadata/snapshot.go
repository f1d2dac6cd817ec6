package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteSnapshots persists metadata in the plugin_metadata table.
type SQLiteSnapshots struct {
	db *sql.DB
}

// NewSQLiteSnapshots wraps a database opened by storage.OpenSQLite.
func NewSQLiteSnapshots(db *sql.DB) *SQLiteSnapshots {
	return &SQLiteSnapshots{db: db}
}

// Save upserts m.
func (s *SQLiteSnapshots) Save(ctx context.Context, m Metadata) error {
	if m.PluginID == "" || m.Extension == "" {
		return fmt.Errorf("snapshot requires plugin id and extension")
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metadata snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO plugin_metadata(plugin_id, extension, version, fingerprint, metadata, fetched_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(plugin_id, extension) DO UPDATE SET
  version = excluded.version,
  fingerprint = excluded.fingerprint,
  metadata = excluded.metadata,
  fetched_at = excluded.fetched_at;
`, m.PluginID, m.Extension, m.Version, m.Fingerprint, string(doc), m.FetchedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert metadata snapshot: %w", err)
	}
	return nil
}

// Delete removes the snapshot of (pluginID, extension). Missing rows are not an error.
func (s *SQLiteSnapshots) Delete(ctx context.Context, pluginID, extension string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM plugin_metadata WHERE plugin_id = ? AND extension = ?;", pluginID, extension); err != nil {
		return fmt.Errorf("delete metadata snapshot: %w", err)
	}
	return nil
}

// Load reads one snapshot.
func (s *SQLiteSnapshots) Load(ctx context.Context, pluginID, extension string) (Metadata, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT metadata FROM plugin_metadata WHERE plugin_id = ? AND extension = ?;", pluginID, extension).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, fmt.Errorf("read metadata snapshot: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}, false, fmt.Errorf("stored metadata snapshot is invalid JSON for plugin=%q: %w", pluginID, err)
	}
	return m, true, nil
}

// List returns every snapshot ordered by plugin id and extension.
func (s *SQLiteSnapshots) List(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT metadata FROM plugin_metadata ORDER BY plugin_id, extension;")
	if err != nil {
		return nil, fmt.Errorf("list metadata snapshots: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan metadata snapshot: %w", err)
		}
		var m Metadata
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode metadata snapshot: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
