package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete pluginhost configuration.
type Config struct {
	Include       []string               `yaml:"include,omitempty"`
	Service       ServiceConfig          `yaml:"service"`
	State         StateConfig            `yaml:"state"`
	PluginsDirs   []string               `yaml:"plugins_dirs"`
	PluginTimeout time.Duration          `yaml:"plugin_timeout"`
	API           APIConfig              `yaml:"api,omitempty"`
	Metadata      MetadataConfig         `yaml:"metadata"`
	Queues        map[string]QueueConfig `yaml:"queues,omitempty"`
	Elastic       ElasticConfig          `yaml:"elastic"`
	Tracing       TracingConfig          `yaml:"tracing"`

	// SourceFiles lists every file the config was read from, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// MetadataConfig bounds plugin metadata fetches.
type MetadataConfig struct {
	FetchAttempts int           `yaml:"fetch_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
}

// QueueConfig sizes one family of per-plugin queues.
type QueueConfig struct {
	Workers      int           `yaml:"workers"`
	Capacity     int           `yaml:"capacity"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// UnmarshalYAML starts from the defaults so a partial entry only overrides
// the keys it names. Explicit zeros survive and fail validation.
func (q *QueueConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain QueueConfig
	p := plain(DefaultQueueConfig())
	if err := n.Decode(&p); err != nil {
		return err
	}
	*q = QueueConfig(p)
	return nil
}

// ElasticConfig drives server pings to elastic agent plugins.
type ElasticConfig struct {
	PingInterval    time.Duration    `yaml:"ping_interval"`
	ClusterProfiles []ClusterProfile `yaml:"cluster_profiles,omitempty"`
}

// ClusterProfile is one cluster an elastic agent plugin manages.
type ClusterProfile struct {
	ID         string            `yaml:"id"`
	PluginID   string            `yaml:"plugin_id"`
	Properties map[string]string `yaml:"properties"`
}

// ProfilesFor returns the properties of every cluster profile of pluginID,
// in configuration order.
func (e ElasticConfig) ProfilesFor(pluginID string) []map[string]string {
	var out []map[string]string
	for _, p := range e.ClusterProfiles {
		if p.PluginID != pluginID {
			continue
		}
		props := make(map[string]string, len(p.Properties))
		for k, v := range p.Properties {
			props[k] = v
		}
		out = append(out, props)
	}
	return out
}

// TracingConfig toggles dispatcher spans.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultQueueConfig is used for queues the config does not name.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:      1,
		Capacity:     100,
		DrainTimeout: 10 * time.Second,
	}
}

// Queue returns the configuration of the named queue family.
func (c *Config) Queue(name string) QueueConfig {
	if q, ok := c.Queues[name]; ok {
		return q
	}
	return DefaultQueueConfig()
}

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "pluginhost",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/pluginhost.db",
		},
		PluginsDirs:   []string{"./plugins"},
		PluginTimeout: 30 * time.Second,
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Metadata: MetadataConfig{
			FetchAttempts: 3,
			RetryBackoff:  500 * time.Millisecond,
			FetchTimeout:  time.Minute,
		},
		Queues: map[string]QueueConfig{},
		Elastic: ElasticConfig{
			PingInterval: time.Minute,
		},
	}
}
