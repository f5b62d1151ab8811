// Package config handles toolhost configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/toolhost/config.yaml, /etc/toolhost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolhost", "config.yaml"))
	}

	paths = append(paths, "/etc/toolhost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolhost configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
	MCP       MCPConfig    `yaml:"mcp"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MCPConfig groups everything about talking to MCP servers.
type MCPConfig struct {
	// Servers are seeded into the server registry on startup. Entries
	// whose id already exists in the registry are left untouched so
	// edits made through the API survive restarts.
	Servers []MCPServerConfig `yaml:"servers"`
	Health  HealthConfig      `yaml:"health"`
	Retry   RetryConfig       `yaml:"retry"`
	SSE     SSEConfig         `yaml:"sse"`
}

// MCPServerConfig is the YAML shape of a server descriptor.
type MCPServerConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Transport   string            `yaml:"transport"` // in-memory, stdio, sse, streamable-http
	URL         string            `yaml:"url"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Headers     map[string]string `yaml:"headers"`
	Builtin     string            `yaml:"builtin"`
	TimeoutMs   int               `yaml:"timeout_ms"`
	Active      bool              `yaml:"active"`
}

// HealthConfig controls connection liveness checks.
type HealthConfig struct {
	// PollInterval is how often ready connections are pinged in the
	// background. Zero disables background polling.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PingTimeout bounds each health ping.
	PingTimeout time.Duration `yaml:"ping_timeout"`

	// PingOnReuse pings a cached connection before handing it out.
	// A pointer so an explicit false in YAML is distinguishable from
	// an absent key.
	PingOnReuse *bool `yaml:"ping_on_reuse"`
}

// RetryConfig controls tool-call retry.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// SSEConfig tunes the legacy SSE transport.
type SSEConfig struct {
	EndpointTimeout time.Duration `yaml:"endpoint_timeout"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
}

// ShouldPingOnReuse reports the effective PingOnReuse value (default true).
func (h HealthConfig) ShouldPingOnReuse() bool {
	return h.PingOnReuse == nil || *h.PingOnReuse
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8484},
		DataDir: "./data",
		MCP: MCPConfig{
			Health: HealthConfig{
				PollInterval: 60 * time.Second,
				PingTimeout:  5 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: time.Second,
				MaxBackoff:     4 * time.Second,
			},
			SSE: SSEConfig{
				EndpointTimeout: 5 * time.Second,
				ReconnectDelay:  3 * time.Second,
			},
		},
	}
}

// applyDefaults fills fields a config file zeroed out explicitly.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.MCP.Health.PingTimeout <= 0 {
		c.MCP.Health.PingTimeout = d.MCP.Health.PingTimeout
	}
	if c.MCP.Retry.MaxAttempts <= 0 {
		c.MCP.Retry.MaxAttempts = d.MCP.Retry.MaxAttempts
	}
	if c.MCP.Retry.InitialBackoff <= 0 {
		c.MCP.Retry.InitialBackoff = d.MCP.Retry.InitialBackoff
	}
	if c.MCP.Retry.MaxBackoff <= 0 {
		c.MCP.Retry.MaxBackoff = d.MCP.Retry.MaxBackoff
	}
	if c.MCP.SSE.EndpointTimeout <= 0 {
		c.MCP.SSE.EndpointTimeout = d.MCP.SSE.EndpointTimeout
	}
	if c.MCP.SSE.ReconnectDelay <= 0 {
		c.MCP.SSE.ReconnectDelay = d.MCP.SSE.ReconnectDelay
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.MCP.Health.PollInterval < 0 {
		return fmt.Errorf("mcp.health.poll_interval must not be negative")
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if s.ID != "" {
			if seen[s.ID] {
				return fmt.Errorf("mcp.servers[%d]: duplicate id %q", i, s.ID)
			}
			seen[s.ID] = true
		}
	}
	return nil
}
