package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/toolserver"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Server.Port != 8380 {
		t.Errorf("default port = %d, want 8380", cfg.Server.Port)
	}
	if cfg.Approval.WaitTimeout != 60*time.Second {
		t.Errorf("default approval wait = %v, want 60s", cfg.Approval.WaitTimeout)
	}
	if cfg.Tools.ExecuteTimeout <= cfg.Tools.AcquireTimeout {
		t.Error("execute timeout should exceed acquire timeout")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := `
server:
  port: 9000
upstream:
  url: https://api.example.com/v1/responses
  api_key: test-key
approval:
  wait_timeout: 30s
tools:
  servers:
    - id: fs
      transport: stdio
      command: mcp-fs
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Upstream.URL != "https://api.example.com/v1/responses" {
		t.Errorf("upstream url = %q", cfg.Upstream.URL)
	}
	if cfg.Approval.WaitTimeout != 30*time.Second {
		t.Errorf("approval wait = %v, want 30s", cfg.Approval.WaitTimeout)
	}
	if len(cfg.Tools.Servers) != 1 || cfg.Tools.Servers[0].ID != "fs" {
		t.Errorf("servers = %+v", cfg.Tools.Servers)
	}
	// Defaults survive partial overrides.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host = %q, want default", cfg.Server.Host)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"missing upstream url", func(c *Config) { c.Upstream.URL = "" }, true},
		{"zero approval wait", func(c *Config) { c.Approval.WaitTimeout = 0 }, true},
		{"duplicate server ids", func(c *Config) {
			c.Tools.Servers = append(c.Tools.Servers, c.Tools.Servers[0])
		}, true},
		{"invalid server config", func(c *Config) {
			c.Tools.Servers[0].Command = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Upstream.URL = "https://api.example.com"
			cfg.Tools.Servers = []*toolserver.ServerConfig{
				{ID: "fs", Transport: toolserver.TransportStdio, Command: "mcp-fs"},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
