// Package config loads the arbord configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full arbord configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tree      TreeConfig      `yaml:"tree"`
	Scripts   ScriptsConfig   `yaml:"scripts"`
	Inspector InspectorConfig `yaml:"inspector"`
}

// ServerConfig configures the ops HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig configures the PostgreSQL connection. An empty URL runs
// the process on in-memory stores.
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MigrationsPath string `yaml:"migrations_path"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TreeConfig bounds node model input.
type TreeConfig struct {
	ReeffectCeilingHours float64 `yaml:"reeffect_ceiling_hours"`
	MaxScriptSize        int     `yaml:"max_script_size"`
}

// ScriptsConfig configures the script sandbox.
type ScriptsConfig struct {
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	BlockedHosts   []string `yaml:"blocked_hosts"`
}

// Timeout returns the sandbox wall-clock bound.
func (c ScriptsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// InspectorConfig configures the consistency sweep.
type InspectorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// Load reads the configuration from config/arbord.yaml.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "arbord.yaml"))
}

// LoadFromPath reads the configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration or returns defaults if the file is
// not present.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{
			MigrationsPath: "migrations",
			MaxOpenConns:   25,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Tree: TreeConfig{
			ReeffectCeilingHours: 1_000_000,
			MaxScriptSize:        2000,
		},
		Scripts: ScriptsConfig{TimeoutSeconds: 3},
		Inspector: InspectorConfig{
			Enabled:  true,
			Schedule: "*/10 * * * *",
		},
	}
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Tree.ReeffectCeilingHours <= 0 {
		return fmt.Errorf("tree.reeffect_ceiling_hours must be positive")
	}
	if c.Tree.MaxScriptSize <= 0 {
		return fmt.Errorf("tree.max_script_size must be positive")
	}
	if c.Scripts.TimeoutSeconds <= 0 {
		return fmt.Errorf("scripts.timeout_seconds must be positive")
	}
	return nil
}
