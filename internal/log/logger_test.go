package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("test-comp").Info("hello")

	out := decodeLine(t, &buf)
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithPlugin(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithPlugin("cd.go.authorization.ldap").Info("plugin msg")

	out := decodeLine(t, &buf)
	if out["plugin"] != "cd.go.authorization.ldap" {
		t.Errorf("Expected plugin id, got %v", out["plugin"])
	}
}

func TestWithExtension(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithExtension("elastic-agent").Info("ext msg")

	out := decodeLine(t, &buf)
	if out["extension"] != "elastic-agent" {
		t.Errorf("Expected extension 'elastic-agent', got %v", out["extension"])
	}
}

func TestNewRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info")

	l.Info("settings changed",
		"plugin", "ldap",
		"Password", "hunter2",
		"settings", map[string]string{"server_url": "ldap://x", "bind_token": "abc"},
	)

	out := decodeLine(t, &buf)
	if out["Password"] != redacted {
		t.Errorf("Password = %v, want redacted", out["Password"])
	}
	settings, ok := out["settings"].(map[string]any)
	if !ok {
		t.Fatalf("settings = %T", out["settings"])
	}
	if settings["bind_token"] != redacted {
		t.Errorf("bind_token = %v, want redacted", settings["bind_token"])
	}
	if settings["server_url"] != "ldap://x" {
		t.Errorf("server_url = %v", settings["server_url"])
	}
	if out["plugin"] != "ldap" {
		t.Errorf("plugin = %v", out["plugin"])
	}
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %s", buf.String())
	}
	l.Warn("kept")
	if decodeLine(t, &buf)["msg"] != "kept" {
		t.Fatal("warn record missing")
	}
}
