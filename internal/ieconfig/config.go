// Package ieconfig holds intent-engine's per-project configuration:
// the dashboard bind address, the notifier loopback port, logging
// retention, and default owner. Loaded from YAML with environment
// variable overrides.
package ieconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// StateFolderName is the default name of the per-project state folder.
const StateFolderName = ".intent-engine"

// DefaultDashboardPort is the loopback port the Dashboard Service binds.
const DefaultDashboardPort = 11390

// DefaultNotifierPort is the loopback port the Dashboard Notifier pushes to.
const DefaultNotifierPort = 11391

// Config holds all intent-engine configuration for one project.
type Config struct {
	DefaultOwner string          `yaml:"default_owner"`
	Dashboard    DashboardConfig `yaml:"dashboard"`
	Notifier     NotifierConfig  `yaml:"notifier"`
	Logging      LoggingConfig   `yaml:"logging"`
}

// DashboardConfig configures the dashboard server.
type DashboardConfig struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	CORS        bool   `yaml:"cors"`
}

// NotifierConfig configures the dashboard notifier.
type NotifierConfig struct {
	Port          int `yaml:"port"`
	TimeoutMillis int `yaml:"timeout_millis"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	RetentionDays int  `yaml:"retention_days"`
	JSONFormat    bool `yaml:"json_format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DefaultOwner: "ai",
		Dashboard: DashboardConfig{
			BindAddress: "127.0.0.1",
			Port:        DefaultDashboardPort,
			CORS:        true,
		},
		Notifier: NotifierConfig{
			Port:          DefaultNotifierPort,
			TimeoutMillis: 250,
		},
		Logging: LoggingConfig{
			RetentionDays: 14,
			JSONFormat:    false,
		},
	}
}

// Load reads configuration from <stateDir>/config.yaml, falling back to
// defaults if the file does not exist.
func Load(stateDir string) (*Config, error) {
	cfg := Default()
	path := filepath.Join(stateDir, "config.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes configuration to <stateDir>/config.yaml.
func (c *Config) Save(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(stateDir, "config.yaml"), data, 0644)
}

// applyEnvOverrides applies environment variable overrides on top of
// whatever the YAML file set.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("IE_LOG_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			c.Logging.RetentionDays = days
		}
	}
	if v := os.Getenv("IE_DASHBOARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Dashboard.Port = port
		}
	}
	if v := os.Getenv("IE_NOTIFIER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Notifier.Port = port
		}
	}
	if v := os.Getenv("IE_DEFAULT_OWNER"); v != "" {
		c.DefaultOwner = v
	}
}

// SessionID resolves IE_SESSION_ID from the environment, or an empty
// string if unset (the caller decides whether to synthesize one).
func SessionID() string {
	return os.Getenv("IE_SESSION_ID")
}
