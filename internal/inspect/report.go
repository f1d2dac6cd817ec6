package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pluginhost/internal/metadata"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// DefaultDeliveryLimit bounds how many failed deliveries a report lists.
const DefaultDeliveryLimit = 20

// Report is the structured JSON representation of a plugin report.
type Report struct {
	PluginID   string      `json:"plugin_id"`
	Extensions []Extension `json:"extensions"`
	Failures   []Failure   `json:"failures"`
}

// Extension is the last persisted metadata snapshot for one extension.
type Extension struct {
	Name         string                     `json:"name"`
	Version      string                     `json:"version"`
	Fingerprint  string                     `json:"fingerprint"`
	FetchedAt    time.Time                  `json:"fetched_at"`
	Capabilities json.RawMessage            `json:"capabilities,omitempty"`
	Settings     []string                   `json:"settings,omitempty"`
	HasIcon      bool                       `json:"has_icon"`
	Extra        map[string]json.RawMessage `json:"extra,omitempty"`
}

// Failure is one failed queue delivery.
type Failure struct {
	MessageID   string    `json:"message_id"`
	Queue       string    `json:"queue"`
	Kind        string    `json:"kind"`
	Error       string    `json:"error"`
	CompletedAt time.Time `json:"completed_at"`
}

// BuildReport renders a terminal-friendly report of what the host has
// persisted about a plugin.
func BuildReport(ctx context.Context, db *sql.DB, pluginID string, limit int) (string, error) {
	report, err := gatherReportData(ctx, db, pluginID, limit)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%s\n", titleStyle.Render("Plugin Report"))
	fmt.Fprintf(&out, "Plugin      : %s\n", report.PluginID)
	fmt.Fprintf(&out, "Extensions  : %d\n", len(report.Extensions))
	fmt.Fprintf(&out, "Failures    : %d\n", len(report.Failures))
	fmt.Fprintf(&out, "\n")

	for _, ext := range report.Extensions {
		fmt.Fprintf(&out, "%s (v%s)\n", sectionStyle.Render(ext.Name), ext.Version)
		fmt.Fprintf(&out, "    fingerprint : %s\n", ext.Fingerprint)
		fmt.Fprintf(&out, "    fetched_at  : %s\n", ext.FetchedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&out, "    icon        : %s\n", yesNo(ext.HasIcon))
		if len(ext.Settings) == 0 {
			fmt.Fprintf(&out, "    settings    : <none>\n")
		} else {
			fmt.Fprintf(&out, "    settings    : %s\n", strings.Join(ext.Settings, ", "))
		}
		fmt.Fprintf(&out, "    capabilities:\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(ext.Capabilities)), "\n") {
			fmt.Fprintf(&out, "      %s\n", line)
		}
		fmt.Fprintf(&out, "\n")
	}

	if len(report.Failures) > 0 {
		fmt.Fprintf(&out, "%s\n", sectionStyle.Render("Failed deliveries"))
		for _, f := range report.Failures {
			fmt.Fprintf(&out, "  %s %s/%s %s\n", f.CompletedAt.UTC().Format(time.RFC3339), f.Queue, f.Kind, f.MessageID)
			fmt.Fprintf(&out, "    %s\n", failedStyle.Render(f.Error))
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable plugin report.
func BuildJSONReport(ctx context.Context, db *sql.DB, pluginID string, limit int) (string, error) {
	report, err := gatherReportData(ctx, db, pluginID, limit)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, pluginID string, limit int) (*Report, error) {
	if strings.TrimSpace(pluginID) == "" {
		return nil, fmt.Errorf("plugin id is required")
	}
	if limit <= 0 {
		limit = DefaultDeliveryLimit
	}

	snapshots, err := metadata.NewSQLiteSnapshots(db).List(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		PluginID:   pluginID,
		Extensions: make([]Extension, 0),
		Failures:   make([]Failure, 0),
	}
	for _, m := range snapshots {
		if m.PluginID != pluginID {
			continue
		}
		ext := Extension{
			Name:         m.Extension,
			Version:      m.Version,
			Fingerprint:  m.Fingerprint,
			FetchedAt:    m.FetchedAt,
			Capabilities: m.Capabilities,
			HasIcon:      m.Icon != nil,
			Extra:        m.Extra,
		}
		for _, f := range m.Settings {
			ext.Settings = append(ext.Settings, f.Key)
		}
		report.Extensions = append(report.Extensions, ext)
	}

	failures, err := lookupFailures(ctx, db, pluginID, limit)
	if err != nil {
		return nil, err
	}
	report.Failures = append(report.Failures, failures...)

	if len(report.Extensions) == 0 && len(report.Failures) == 0 {
		return nil, fmt.Errorf("plugin %q has no recorded state", pluginID)
	}
	return report, nil
}

func lookupFailures(ctx context.Context, db *sql.DB, pluginID string, limit int) ([]Failure, error) {
	rows, err := db.QueryContext(ctx, `
SELECT id, queue, kind, COALESCE(last_error, ''), completed_at
FROM delivery_log
WHERE plugin_id = ? AND outcome = 'failed'
ORDER BY completed_at DESC
LIMIT ?;
`, pluginID, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed deliveries for %q: %w", pluginID, err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f         Failure
			completed string
		)
		if err := rows.Scan(&f.MessageID, &f.Queue, &f.Kind, &f.Error, &completed); err != nil {
			return nil, fmt.Errorf("scan failed delivery: %w", err)
		}
		f.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		out = append(out, f)
	}
	return out, rows.Err()
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
