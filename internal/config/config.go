// Package config loads and validates the relay service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/toolserver"
)

// Config is the top-level service configuration.
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Upstream UpstreamConfig          `yaml:"upstream"`
	Approval ApprovalConfig          `yaml:"approval"`
	Tools    ToolsConfig             `yaml:"tools"`
	Store    StoreConfig             `yaml:"store"`
	Logging  observability.LogConfig `yaml:"logging"`
	Tracing  observability.TraceConfig `yaml:"tracing"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
}

// UpstreamConfig configures the generation provider streaming endpoint.
type UpstreamConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ApprovalConfig configures the approval coordinator.
type ApprovalConfig struct {
	// WaitTimeout bounds how long a tool call waits for a human decision
	// before it is denied.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// GracePeriod keeps resolved requests around so duplicate submissions
	// can be answered with the original outcome.
	GracePeriod time.Duration `yaml:"grace_period"`

	// SweepInterval is how often resolved/expired requests are collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ToolsConfig configures tool servers and execution limits.
type ToolsConfig struct {
	// AcquireTimeout bounds waiting for a tool server session.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// ExecuteTimeout bounds a single tool invocation.
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`

	// IdleTimeout evicts sessions with no access for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often idle sessions are collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Servers lists the known tool servers.
	Servers []*toolserver.ServerConfig `yaml:"servers"`
}

// StoreConfig configures the persistence gateway.
type StoreConfig struct {
	// Path is the sqlite database file. Empty selects the in-memory store.
	Path string `yaml:"path"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8380,
			ShutdownGrace: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: 30 * time.Second,
		},
		Approval: ApprovalConfig{
			WaitTimeout:   60 * time.Second,
			GracePeriod:   5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Tools: ToolsConfig{
			AcquireTimeout: 10 * time.Second,
			ExecuteTimeout: 120 * time.Second,
			IdleTimeout:    30 * time.Minute,
			SweepInterval:  time.Minute,
		},
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if c.Approval.WaitTimeout <= 0 {
		return fmt.Errorf("approval.wait_timeout must be positive")
	}
	seen := make(map[string]struct{}, len(c.Tools.Servers))
	for _, srv := range c.Tools.Servers {
		if err := srv.Validate(); err != nil {
			return fmt.Errorf("tool server: %w", err)
		}
		if _, dup := seen[srv.ID]; dup {
			return fmt.Errorf("duplicate tool server id %q", srv.ID)
		}
		seen[srv.ID] = struct{}{}
	}
	return nil
}
