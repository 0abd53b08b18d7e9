package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Daemon defaults.
const (
	DefaultAdminPort         = 4790
	DefaultProbeInterval     = 10 * time.Second
	DefaultFailureThreshold  = 3
	DefaultReconcileInterval = 30 * time.Second
	DefaultBudgetResetPeriod = 24 * time.Hour
	DefaultHealthHistorySize = 50
)

// DaemonConfig is the fleetd daemon's own configuration, loaded from YAML
// with FLEETD_* environment overrides.
type DaemonConfig struct {
	AdminHost string `yaml:"adminHost"`
	AdminPort int    `yaml:"adminPort"`

	// DataDir holds definitions.json, secrets.json, and the admin API key.
	DataDir string `yaml:"dataDir"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Health struct {
		IntervalSeconds  int `yaml:"intervalSeconds"`
		FailureThreshold int `yaml:"failureThreshold"`
		HistorySize      int `yaml:"historySize"`
	} `yaml:"health"`

	ReconcileIntervalSeconds int `yaml:"reconcileIntervalSeconds"`

	Policy struct {
		BudgetResetHours int      `yaml:"budgetResetHours"`
		APIKeys          []string `yaml:"apiKeys"`
		JWTSecret        string   `yaml:"jwtSecret"`
	} `yaml:"policy"`

	Admin struct {
		APIKey         string `yaml:"apiKey"`
		AllowLocalhost bool   `yaml:"allowLocalhost"`
	} `yaml:"admin"`
}

// DefaultDaemonConfig returns the built-in daemon defaults.
func DefaultDaemonConfig() *DaemonConfig {
	cfg := &DaemonConfig{
		AdminHost: "127.0.0.1",
		AdminPort: DefaultAdminPort,
		DataDir:   DefaultDataDir(),
	}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Health.IntervalSeconds = int(DefaultProbeInterval / time.Second)
	cfg.Health.FailureThreshold = DefaultFailureThreshold
	cfg.Health.HistorySize = DefaultHealthHistorySize
	cfg.ReconcileIntervalSeconds = int(DefaultReconcileInterval / time.Second)
	cfg.Policy.BudgetResetHours = int(DefaultBudgetResetPeriod / time.Hour)
	return cfg
}

// DefaultDataDir returns the XDG-style data directory for fleetd.
func DefaultDataDir() string {
	if dir := os.Getenv("FLEETD_DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "fleetd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleetd"
	}
	return filepath.Join(home, ".local", "share", "fleetd")
}

// LoadDaemonConfig reads the daemon config from path (optional) and applies
// environment overrides. A missing file is not an error; missing fields fall
// back to defaults.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	cfg := DefaultDaemonConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.AdminPort <= 0 || cfg.AdminPort >= 65536 {
		return nil, fmt.Errorf("adminPort must be between 1 and 65535, got %d", cfg.AdminPort)
	}
	if cfg.Health.IntervalSeconds <= 0 {
		cfg.Health.IntervalSeconds = int(DefaultProbeInterval / time.Second)
	}
	if cfg.Health.FailureThreshold <= 0 {
		cfg.Health.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Health.HistorySize <= 0 {
		cfg.Health.HistorySize = DefaultHealthHistorySize
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *DaemonConfig) {
	if v := os.Getenv("FLEETD_ADMIN_HOST"); v != "" {
		cfg.AdminHost = v
	}
	if v := os.Getenv("FLEETD_ADMIN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.AdminPort = port
		}
	}
	if v := os.Getenv("FLEETD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FLEETD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLEETD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("FLEETD_API_KEY"); v != "" {
		cfg.Admin.APIKey = v
	}
	if v := os.Getenv("FLEETD_JWT_SECRET"); v != "" {
		cfg.Policy.JWTSecret = v
	}
}

// ProbeInterval returns the health probe interval as a duration.
func (c *DaemonConfig) ProbeInterval() time.Duration {
	return time.Duration(c.Health.IntervalSeconds) * time.Second
}

// ReconcileInterval returns the reconcile sweep interval as a duration.
func (c *DaemonConfig) ReconcileInterval() time.Duration {
	if c.ReconcileIntervalSeconds <= 0 {
		return DefaultReconcileInterval
	}
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// BudgetResetPeriod returns the token budget reset period as a duration.
func (c *DaemonConfig) BudgetResetPeriod() time.Duration {
	if c.Policy.BudgetResetHours <= 0 {
		return DefaultBudgetResetPeriod
	}
	return time.Duration(c.Policy.BudgetResetHours) * time.Hour
}
