package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDaemonConfig_Defaults(t *testing.T) {
	cfg, err := LoadDaemonConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAdminPort, cfg.AdminPort)
	assert.Equal(t, DefaultProbeInterval, cfg.ProbeInterval())
	assert.Equal(t, DefaultFailureThreshold, cfg.Health.FailureThreshold)
	assert.Equal(t, DefaultBudgetResetPeriod, cfg.BudgetResetPeriod())
}

func TestLoadDaemonConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
adminPort: 5100
dataDir: /var/lib/fleetd
logging:
  level: debug
  format: json
health:
  intervalSeconds: 5
  failureThreshold: 2
policy:
  budgetResetHours: 1
`), 0o600))

	cfg, err := LoadDaemonConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5100, cfg.AdminPort)
	assert.Equal(t, "/var/lib/fleetd", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.ProbeInterval())
	assert.Equal(t, 2, cfg.Health.FailureThreshold)
	assert.Equal(t, time.Hour, cfg.BudgetResetPeriod())
}

func TestLoadDaemonConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadDaemonConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAdminPort, cfg.AdminPort)
}

func TestLoadDaemonConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FLEETD_ADMIN_PORT", "6200")
	t.Setenv("FLEETD_LOG_LEVEL", "warn")
	t.Setenv("FLEETD_API_KEY", "fd_testkey")

	cfg, err := LoadDaemonConfig("")
	require.NoError(t, err)

	assert.Equal(t, 6200, cfg.AdminPort)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "fd_testkey", cfg.Admin.APIKey)
}

func TestLoadDaemonConfig_InvalidPort(t *testing.T) {
	t.Setenv("FLEETD_ADMIN_PORT", "99999")

	_, err := LoadDaemonConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adminPort")
}
