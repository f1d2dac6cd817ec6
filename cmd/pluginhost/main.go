package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "plugin":
		return runPluginNoun(args)

	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: pluginhost version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("pluginhost %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`pluginhost - Host for out-of-process extension plugins

Usage:
  pluginhost <noun> <action> [flags]

Core Resources (Nouns):
  system    Host lifecycle and health
  config    Configuration and integrity
  plugin    Discovered plugins and their recorded state

System Commands:
  system start         Start the host in the foreground
  system status        Show whether a host owns the state directory

Config Commands:
  config check         Validate configuration and plugin manifests
  config lock          Write integrity checksums for the config tree

Plugin Commands:
  plugin list          Show discovered plugins and their extensions
  plugin inspect <id>  Show persisted metadata and failed deliveries

General:
  version              Show version information
  help                 Show this help message

Use 'pluginhost <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runPluginNoun(args []string) int {
	if len(args) < 1 {
		printPluginNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPluginNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printPluginListHelp()
			return 0
		}
		return runPluginList(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printPluginInspectHelp()
			return 0
		}
		return runPluginInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pluginhost system <action>")
	fmt.Fprintln(w, "Actions: start, status")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pluginhost config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printPluginNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pluginhost plugin <action>")
	fmt.Fprintln(w, "Actions: list, inspect")
}

func printSystemStartHelp() {
	fmt.Println("Usage: pluginhost system start [--config PATH]")
	fmt.Println("Start the host in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: pluginhost system status [--config PATH] [--json]")
	fmt.Println("Report whether a running host holds the state directory lock.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  A host is running")
	fmt.Println("  1  No host is running or the check failed")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: pluginhost config check [--config PATH] [--json]")
	fmt.Println("Load the config (includes, defaults, checksums) and validate plugin manifests.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: pluginhost config lock [--config PATH] [--dry-run] [-v]")
	fmt.Println("Write .checksums next to every file in the include tree.")
}

func printPluginListHelp() {
	fmt.Println("Usage: pluginhost plugin list [--config PATH] [--json]")
	fmt.Println("Show discovered plugins and the extension versions they declare.")
}

func printPluginInspectHelp() {
	fmt.Println("Usage: pluginhost plugin inspect <id> [--config PATH] [--limit N] [--json]")
	fmt.Println("Show persisted metadata snapshots and recent failed deliveries for a plugin.")
}
