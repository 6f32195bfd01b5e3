package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Download.Workers != 2 {
		t.Errorf("default workers = %d, want 2", cfg.Download.Workers)
	}
	if cfg.Scan.Cron != "0 * * * *" {
		t.Errorf("default scan cron = %q, want hourly", cfg.Scan.Cron)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8484 {
		t.Errorf("port = %d, want 8484", cfg.Server.Port)
	}
	if cfg.Download.AttemptTimeout != 30*time.Minute {
		t.Errorf("attempt timeout = %s, want 30m", cfg.Download.AttemptTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
download:
  workers: 4
  attempt_timeout: 10m
developer_mode: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Download.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Download.Workers)
	}
	if cfg.Download.AttemptTimeout != 10*time.Minute {
		t.Errorf("attempt timeout = %s, want 10m", cfg.Download.AttemptTimeout)
	}
	if !cfg.DeveloperMode {
		t.Error("developer mode should be enabled")
	}
	// Untouched sections keep their defaults.
	if cfg.Database.Path != "./data/fetcharr.db" {
		t.Errorf("database path = %q, want default", cfg.Database.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero workers", func(c *Config) { c.Download.Workers = 0 }, true},
		{"negative timeout", func(c *Config) { c.Download.AttemptTimeout = -time.Second }, true},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, true},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 8484}
	if got := c.Address(); got != "127.0.0.1:8484" {
		t.Errorf("Address() = %q", got)
	}
}
