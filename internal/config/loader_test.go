package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "defaults applied to empty config",
			yaml: "service:\n  name: host\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "host" {
					t.Errorf("service.name = %q", cfg.Service.Name)
				}
				if cfg.Service.LogLevel != "info" {
					t.Errorf("log_level default not applied: %q", cfg.Service.LogLevel)
				}
				if len(cfg.PluginsDirs) != 1 || cfg.PluginsDirs[0] != "./plugins" {
					t.Errorf("plugins_dirs default not applied: %v", cfg.PluginsDirs)
				}
				if cfg.PluginTimeout != 30*time.Second {
					t.Errorf("plugin_timeout = %s", cfg.PluginTimeout)
				}
				if cfg.Metadata.FetchAttempts != 3 {
					t.Errorf("metadata.fetch_attempts = %d", cfg.Metadata.FetchAttempts)
				}
				if q := cfg.Queue("anything"); q != DefaultQueueConfig() {
					t.Errorf("unnamed queue = %+v", q)
				}
			},
		},
		{
			name: "queue partially configured keeps other defaults",
			yaml: `
queues:
  elastic-agent-server-ping:
    workers: 4
`,
			checkFn: func(t *testing.T, cfg *Config) {
				q := cfg.Queue("elastic-agent-server-ping")
				if q.Workers != 4 {
					t.Errorf("workers = %d, want 4", q.Workers)
				}
				if q.Capacity != 100 || q.DrainTimeout != 10*time.Second {
					t.Errorf("defaults lost: %+v", q)
				}
			},
		},
		{
			name:    "zero workers rejected",
			yaml:    "queues:\n  ping:\n    workers: 0\n",
			wantErr: "queues.ping.workers must be at least 1",
		},
		{
			name:    "zero capacity rejected",
			yaml:    "queues:\n  ping:\n    capacity: 0\n",
			wantErr: "queues.ping.capacity must be at least 1",
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: chatty\n",
			wantErr: "service.log_level",
		},
		{
			name:    "api enabled without key",
			yaml:    "api:\n  enabled: true\n",
			wantErr: "api.auth.api_key is required",
		},
		{
			name: "env interpolation",
			yaml: `
api:
  enabled: true
  auth:
    api_key: ${PLUGINHOST_TEST_KEY}
elastic:
  ping_interval: 30s
  cluster_profiles:
    - id: prod
      plugin_id: docker
      properties:
        GoServerUrl: ${PLUGINHOST_TEST_URL}
`,
			env: map[string]string{"PLUGINHOST_TEST_KEY": "secret", "PLUGINHOST_TEST_URL": "https://example.com/go"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.API.Auth.APIKey != "secret" {
					t.Errorf("api_key = %q", cfg.API.Auth.APIKey)
				}
				if cfg.Elastic.PingInterval != 30*time.Second {
					t.Errorf("ping_interval = %s", cfg.Elastic.PingInterval)
				}
				got := cfg.Elastic.ProfilesFor("docker")
				if len(got) != 1 || got[0]["GoServerUrl"] != "https://example.com/go" {
					t.Errorf("profiles = %v", got)
				}
				if cfg.Elastic.ProfilesFor("k8s") != nil {
					t.Error("unexpected profiles for k8s")
				}
			},
		},
		{
			name: "unresolved env var rejected",
			yaml: `
api:
  enabled: true
  auth:
    api_key: ${PLUGINHOST_TEST_UNSET}
`,
			wantErr: "${PLUGINHOST_TEST_UNSET} is not set",
		},
		{
			name:    "cluster profile without plugin",
			yaml:    "elastic:\n  cluster_profiles:\n    - id: prod\n",
			wantErr: "plugin_id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeTestFile(t, path, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryUsesConfigYAML(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), "state:\n  path: ./x.db\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.State.Path != "./x.db" {
		t.Errorf("state.path = %q", cfg.State.Path)
	}
}

func TestLoadIncludesMerge(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), `
include:
  - queues.yaml
  - elastic/profiles.yaml
plugins_dirs: [./plugins]
queues:
  plugin-settings-changed:
    workers: 2
`)
	writeTestFile(t, filepath.Join(dir, "queues.yaml"), `
plugins_dirs: [./extra]
queues:
  elastic-agent-server-ping:
    workers: 3
`)
	writeTestFile(t, filepath.Join(dir, "elastic", "profiles.yaml"), `
elastic:
  cluster_profiles:
    - id: a
      plugin_id: docker
      properties: {Url: one}
    - id: b
      plugin_id: docker
      properties: {Url: two}
`)

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(cfg.SourceFiles) != 3 {
		t.Fatalf("SourceFiles = %v, want 3 files", cfg.SourceFiles)
	}
	if got := cfg.PluginsDirs; len(got) != 2 || got[1] != "./extra" {
		t.Errorf("plugins_dirs = %v", got)
	}
	if cfg.Queue("plugin-settings-changed").Workers != 2 || cfg.Queue("elastic-agent-server-ping").Workers != 3 {
		t.Errorf("queues not merged: %+v", cfg.Queues)
	}
	profiles := cfg.Elastic.ProfilesFor("docker")
	if len(profiles) != 2 || profiles[0]["Url"] != "one" || profiles[1]["Url"] != "two" {
		t.Errorf("profiles = %v", profiles)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), "include: [a.yaml]\n")
	writeTestFile(t, filepath.Join(dir, "a.yaml"), "include: [config.yaml]\n")

	_, err := Load(filepath.Join(dir, "config.yaml"))
	if err == nil || !strings.Contains(err.Error(), "circular dependency") {
		t.Fatalf("Load() error = %v, want circular dependency", err)
	}
}

func TestLoadMissingInclude(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), "include: [missing.yaml]\n")

	_, err := Load(filepath.Join(dir, "config.yaml"))
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Fatalf("Load() error = %v, want file not found", err)
	}
}
