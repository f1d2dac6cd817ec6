package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads the config file at configPath, merges its includes, applies
// defaults, verifies checksums where a .checksums manifest exists and
// validates the result. A directory loads its config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFiles = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	applyConfigDefaults(cfg)

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadIncludes loads and merges each include in order, depth first.
// visited holds every file on the include tree so far to reject cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		resolved := includePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		absPath, err := filepath.Abs(resolved)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)
		deepMergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile parses one file after ${VAR} interpolation. No defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst. Non-zero scalars in src win, plugin
// dirs and cluster profiles append, queues merge by name.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	dst.PluginsDirs = append(dst.PluginsDirs, src.PluginsDirs...)
	if src.PluginTimeout != 0 {
		dst.PluginTimeout = src.PluginTimeout
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}

	if src.Metadata.FetchAttempts != 0 {
		dst.Metadata.FetchAttempts = src.Metadata.FetchAttempts
	}
	if src.Metadata.RetryBackoff != 0 {
		dst.Metadata.RetryBackoff = src.Metadata.RetryBackoff
	}
	if src.Metadata.FetchTimeout != 0 {
		dst.Metadata.FetchTimeout = src.Metadata.FetchTimeout
	}

	if len(src.Queues) > 0 {
		if dst.Queues == nil {
			dst.Queues = make(map[string]QueueConfig, len(src.Queues))
		}
		for name, q := range src.Queues {
			dst.Queues[name] = q
		}
	}

	if src.Elastic.PingInterval != 0 {
		dst.Elastic.PingInterval = src.Elastic.PingInterval
	}
	dst.Elastic.ClusterProfiles = append(dst.Elastic.ClusterProfiles, src.Elastic.ClusterProfiles...)

	if src.Tracing.Enabled {
		dst.Tracing.Enabled = true
	}
}

// applyConfigDefaults fills every unset value from Defaults.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if len(cfg.PluginsDirs) == 0 {
		cfg.PluginsDirs = defaults.PluginsDirs
	}
	if cfg.PluginTimeout == 0 {
		cfg.PluginTimeout = defaults.PluginTimeout
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Metadata.FetchAttempts == 0 {
		cfg.Metadata.FetchAttempts = defaults.Metadata.FetchAttempts
	}
	if cfg.Metadata.RetryBackoff == 0 {
		cfg.Metadata.RetryBackoff = defaults.Metadata.RetryBackoff
	}
	if cfg.Metadata.FetchTimeout == 0 {
		cfg.Metadata.FetchTimeout = defaults.Metadata.FetchTimeout
	}
	if cfg.Queues == nil {
		cfg.Queues = defaults.Queues
	}
	if cfg.Elastic.PingInterval == 0 {
		cfg.Elastic.PingInterval = defaults.Elastic.PingInterval
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and fail validation where they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if matches == nil {
		return nil
	}
	return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
}

func validate(cfg *Config) error {
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	for i, dir := range cfg.PluginsDirs {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("plugins_dirs[%d] is empty", i)
		}
		if err := unresolved(fmt.Sprintf("plugins_dirs[%d]", i), dir); err != nil {
			return err
		}
	}
	if cfg.PluginTimeout < 0 {
		return fmt.Errorf("plugin_timeout must be positive")
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" {
			return fmt.Errorf("api.auth.api_key is required when the api is enabled")
		}
	}

	if cfg.Metadata.FetchAttempts < 1 {
		return fmt.Errorf("metadata.fetch_attempts must be at least 1 (got %d)", cfg.Metadata.FetchAttempts)
	}
	if cfg.Metadata.RetryBackoff < 0 || cfg.Metadata.FetchTimeout < 0 {
		return fmt.Errorf("metadata durations must not be negative")
	}

	for name, q := range cfg.Queues {
		if q.Workers < 1 {
			return fmt.Errorf("queues.%s.workers must be at least 1 (got %d)", name, q.Workers)
		}
		if q.Capacity < 1 {
			return fmt.Errorf("queues.%s.capacity must be at least 1 (got %d)", name, q.Capacity)
		}
		if q.DrainTimeout < 0 {
			return fmt.Errorf("queues.%s.drain_timeout must not be negative", name)
		}
	}

	if cfg.Elastic.PingInterval < 0 {
		return fmt.Errorf("elastic.ping_interval must be positive")
	}
	for i, p := range cfg.Elastic.ClusterProfiles {
		if p.PluginID == "" {
			return fmt.Errorf("elastic.cluster_profiles[%d].plugin_id is required", i)
		}
		for k, v := range p.Properties {
			if err := unresolved(fmt.Sprintf("elastic.cluster_profiles[%d].properties.%s", i, k), v); err != nil {
				return err
			}
		}
	}
	return nil
}
