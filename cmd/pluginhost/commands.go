package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/pluginhost/internal/config"
	"github.com/mattjoyce/pluginhost/internal/inspect"
	"github.com/mattjoyce/pluginhost/internal/lock"
	"github.com/mattjoyce/pluginhost/internal/plugin"
	"github.com/mattjoyce/pluginhost/internal/storage"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// splitPositional separates the first bare argument from flags so that
// `plugin inspect <id> --json` parses.
func splitPositional(args []string) (string, []string) {
	var positional string
	rest := make([]string, 0, len(args))
	for _, arg := range args {
		if positional == "" && !strings.HasPrefix(arg, "-") {
			positional = arg
			continue
		}
		rest = append(rest, arg)
	}
	return positional, rest
}

type statusReport struct {
	Config   string `json:"config"`
	LockPath string `json:"lock_path"`
	Running  bool   `json:"running"`
	PID      int    `json:"pid,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := resolveConfigPath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	report := statusReport{Config: path, LockPath: lock.PathFor(cfg.State.Path)}
	l, err := lock.Acquire(report.LockPath)
	switch {
	case err == nil:
		_ = l.Release()
	case errors.Is(err, lock.ErrHeld):
		report.Running = true
		report.PID, _ = lock.Holder(report.LockPath)
	default:
		fmt.Fprintf(os.Stderr, "Lock check failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else if report.Running {
		fmt.Printf("running (pid %d)\nlock: %s\n", report.PID, report.LockPath)
	} else {
		fmt.Printf("stopped\nlock: %s\n", report.LockPath)
	}
	if !report.Running {
		return 1
	}
	return 0
}

type checkResult struct {
	Valid       bool     `json:"valid"`
	SourceFiles []string `json:"source_files"`
	Plugins     []string `json:"plugins"`
	Warnings    []string `json:"warnings,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	result := checkConfig(resolveConfigPath(*configPath))

	if *jsonOut {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		if result.Valid {
			fmt.Println("Configuration valid")
		} else {
			fmt.Printf("Configuration invalid: %s\n", result.Error)
		}
		for _, f := range result.SourceFiles {
			fmt.Printf("  file   %s\n", f)
		}
		for _, p := range result.Plugins {
			fmt.Printf("  plugin %s\n", p)
		}
		for _, w := range result.Warnings {
			fmt.Printf("  WARN   %s\n", w)
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func checkConfig(path string) checkResult {
	cfg, err := config.Load(path)
	if err != nil {
		return checkResult{Error: err.Error()}
	}
	result := checkResult{Valid: true, SourceFiles: cfg.SourceFiles}

	found, err := plugin.Discover(cfg.PluginsDirs, func(level, msg string, args ...any) {
		if level == "warn" || level == "error" {
			result.Warnings = append(result.Warnings, formatLogLine(msg, args))
		}
	})
	if err != nil {
		result.Valid = false
		result.Error = err.Error()
		return result
	}
	for _, d := range found {
		result.Plugins = append(result.Plugins, d.ID)
	}
	return result
}

func formatLogLine(msg string, args []any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Show what would be written")
	verbose := fs.Bool("verbose", false, "Verbose output")
	verboseShort := fs.Bool("v", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	reports, err := config.Lock(resolveConfigPath(*configPath), *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	for _, r := range reports {
		if *verbose || *verboseShort || *dryRun {
			fmt.Printf("Processing directory: %s\n", r.ConfigDir)
			for _, f := range r.Files {
				fmt.Printf("  HASH %s %s\n", f.Filename, f.Hash)
			}
		}
		if r.Written {
			fmt.Printf("Wrote %s\n", r.ChecksumPath)
		} else {
			fmt.Printf("Would write %s (dry run)\n", r.ChecksumPath)
		}
	}
	return 0
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	found, err := plugin.Discover(cfg.PluginsDirs, func(string, string, ...any) {})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(found, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(found) == 0 {
		fmt.Println("No plugins discovered.")
		return 0
	}
	fmt.Println(renderPluginTable(found))
	return 0
}

func renderPluginTable(found []plugin.Descriptor) string {
	rows := make([][]string, 0, len(found))
	for _, d := range found {
		exts := make([]string, 0, len(d.Extensions))
		for _, e := range d.Extensions {
			exts = append(exts, fmt.Sprintf("%s (%s)", e.Name, strings.Join(e.Versions, ", ")))
		}
		rows = append(rows, []string{d.ID, d.Version, strings.Join(exts, "\n"), d.Path})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "VERSION", "EXTENSIONS", "PATH").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

func runPluginInspect(args []string) int {
	pluginID, rest := splitPositional(args)

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output report in JSON")
	limit := fs.Int("limit", inspect.DefaultDeliveryLimit, "Maximum failed deliveries to show")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if pluginID == "" {
		fmt.Fprintln(os.Stderr, "Usage: pluginhost plugin inspect <id> [--config PATH] [--limit N] [--json]")
		return 1
	}

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	var report string
	if *jsonOut {
		report, err = inspect.BuildJSONReport(ctx, db, pluginID, *limit)
	} else {
		report, err = inspect.BuildReport(ctx, db, pluginID, *limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}
