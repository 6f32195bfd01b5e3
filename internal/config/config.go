package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Version is the application version, overridden at build time via ldflags.
var Version = "dev"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Download DownloadConfig `mapstructure:"download"`
	Scan     ScanConfig     `mapstructure:"scan"`

	// DeveloperMode wires the in-memory mock provider instead of real collaborators.
	DeveloperMode bool `mapstructure:"developer_mode"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DownloadConfig holds worker pool and destination configuration.
type DownloadConfig struct {
	// Workers is the number of concurrent download slots. Kept small by
	// default to stay polite towards remote catalog sites.
	Workers int `mapstructure:"workers"`
	// Path is the root directory downloads are written into.
	Path string `mapstructure:"path"`
	// AttemptTimeout bounds a single resolve or fetch attempt.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// ScanConfig holds tracker scan configuration.
type ScanConfig struct {
	// Cron is the schedule for the periodic tracker scan.
	Cron string `mapstructure:"cron"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8484,
		},
		Database: DatabaseConfig{
			Path: "./data/fetcharr.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Download: DownloadConfig{
			Workers:        2,
			Path:           "./downloads",
			AttemptTimeout: 30 * time.Minute,
		},
		Scan: ScanConfig{
			Cron: "0 * * * *",
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.fetcharr")
	}

	v.SetEnvPrefix("FETCHARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional; defaults + env vars are enough to run.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	if c.Download.Workers < 1 {
		return fmt.Errorf("download.workers must be >= 1, got %d", c.Download.Workers)
	}
	if c.Download.AttemptTimeout <= 0 {
		return fmt.Errorf("download.attempt_timeout must be positive, got %s", c.Download.AttemptTimeout)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8484)

	v.SetDefault("database.path", "./data/fetcharr.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("download.workers", 2)
	v.SetDefault("download.path", "./downloads")
	v.SetDefault("download.attempt_timeout", "30m")

	v.SetDefault("scan.cron", "0 * * * *")

	v.SetDefault("developer_mode", false)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
