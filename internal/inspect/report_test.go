package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/pluginhost/internal/extension"
	"github.com/mattjoyce/pluginhost/internal/metadata"
	"github.com/mattjoyce/pluginhost/internal/msgqueue"
	"github.com/mattjoyce/pluginhost/internal/storage"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	snaps := metadata.NewSQLiteSnapshots(db)
	if err := snaps.Save(ctx, metadata.Metadata{
		PluginID:     "docker-elastic",
		Extension:    "cd.go.elastic-agent",
		Version:      "5.0",
		Capabilities: json.RawMessage(`{"supports_status_report":true}`),
		Icon:         &extension.Image{ContentType: "image/png", Data: "aGk="},
		Settings:     []extension.ConfigField{{Key: "go_server_url"}, {Key: "auto_register_timeout"}},
		FetchedAt:    fetched,
		Fingerprint:  "abc123",
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := snaps.Save(ctx, metadata.Metadata{
		PluginID:    "other",
		Extension:   "scm",
		Version:     "1.0",
		FetchedAt:   fetched,
		Fingerprint: "zzz",
	}); err != nil {
		t.Fatalf("Save(other): %v", err)
	}

	deliveries := msgqueue.NewSQLiteDeliveryLog(db)
	if err := deliveries.Record(ctx, msgqueue.Delivery{
		MessageID:   "msg-1",
		Queue:       "elastic-agent-server-ping",
		PluginID:    "docker-elastic",
		Kind:        "server-ping",
		Outcome:     msgqueue.OutcomeFailed,
		Error:       "plugin exited with status 1",
		CreatedAt:   fetched,
		CompletedAt: fetched.Add(time.Second),
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestBuildReportRendersSnapshotsAndFailures(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	seed(t, db)

	out, err := BuildReport(context.Background(), db, "docker-elastic", 0)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Plugin Report",
		"Plugin      : docker-elastic",
		"Extensions  : 1",
		"Failures    : 1",
		"cd.go.elastic-agent",
		"(v5.0)",
		"fingerprint : abc123",
		"icon        : yes",
		"settings    : go_server_url, auto_register_timeout",
		`"supports_status_report": true`,
		"elastic-agent-server-ping/server-ping msg-1",
		"plugin exited with status 1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "scm") {
		t.Fatalf("report leaked another plugin's snapshot:\n%s", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	seed(t, db)

	raw, err := BuildJSONReport(context.Background(), db, "docker-elastic", 5)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if report.PluginID != "docker-elastic" {
		t.Fatalf("plugin_id = %q", report.PluginID)
	}
	if len(report.Extensions) != 1 || report.Extensions[0].Name != "cd.go.elastic-agent" {
		t.Fatalf("extensions = %+v", report.Extensions)
	}
	if !report.Extensions[0].HasIcon {
		t.Fatalf("expected has_icon")
	}
	if len(report.Failures) != 1 || report.Failures[0].MessageID != "msg-1" {
		t.Fatalf("failures = %+v", report.Failures)
	}
}

func TestBuildReportUnknownPlugin(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	seed(t, db)

	_, err := BuildReport(context.Background(), db, "missing", 0)
	if err == nil || !strings.Contains(err.Error(), "no recorded state") {
		t.Fatalf("err = %v, want no recorded state", err)
	}
}

func TestBuildReportRequiresPluginID(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	_, err := BuildJSONReport(context.Background(), db, "  ", 0)
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
