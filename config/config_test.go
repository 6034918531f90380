package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconciliation-engine/config"
	"github.com/warp/reconciliation-engine/reconciliation"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	// GIVEN: An empty config file and no overrides
	path := writeConfig(t, "")

	// WHEN: Loading
	cfg, err := config.Load(path)

	// THEN: Every section has its default
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "reconciliation.db", cfg.Database.Path)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 30*time.Second, cfg.DataSource.Timeout)
	assert.Equal(t, time.Hour, cfg.Scheduler.CheckInterval)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 90*24*time.Hour, cfg.Scheduler.Retention)
	assert.Equal(t, reconciliation.DefaultMaxConsecutiveFailures, cfg.Engine.MaxConsecutiveFailures)
	assert.Equal(t, reconciliation.DefaultReadingTimeout, cfg.Engine.ReadingTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, reconciliation.DefaultConfig(), cfg.Reconciliation)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileValues(t *testing.T) {
	// GIVEN: A config file overriding some values
	path := writeConfig(t, `
server:
  port: 9000
scheduler:
  check_interval: 15m
  retention: 0s
reconciliation:
  max_reconciliation_days: 20
  stability_period_days: 5
  significant_change_thresholds:
    membership_percent: 0.5
  auto_extension_enabled: false
`)

	// WHEN: Loading
	cfg, err := config.Load(path)

	// THEN: File values win, unspecified keys keep defaults
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.CheckInterval)
	assert.Zero(t, cfg.Scheduler.Retention)
	assert.Equal(t, 20, cfg.Reconciliation.MaxReconciliationDays)
	assert.Equal(t, 5, cfg.Reconciliation.StabilityPeriodDays)
	assert.Equal(t, 0.5, cfg.Reconciliation.SignificantChangeThresholds.MembershipPercent)
	assert.Equal(t, 1, cfg.Reconciliation.SignificantChangeThresholds.ClubCountAbsolute)
	assert.False(t, cfg.Reconciliation.AutoExtensionEnabled)
	assert.Equal(t, 24, cfg.Reconciliation.CheckFrequencyHours)
}

func TestLoad_EnvOverrides(t *testing.T) {
	// GIVEN: Environment variables with the RECON_ prefix
	t.Setenv("RECON_SERVER_PORT", "7070")
	t.Setenv("RECON_RECONCILIATION_STABILITY_PERIOD_DAYS", "4")
	t.Setenv("RECON_REDIS_ENABLED", "true")
	t.Setenv("DASHBOARD_API_KEY", "from-env")
	path := writeConfig(t, "server:\n  port: 9000\n")

	// WHEN: Loading
	cfg, err := config.Load(path)

	// THEN: The environment beats the file
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Reconciliation.StabilityPeriodDays)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "from-env", cfg.DataSource.APIKey)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	// GIVEN: A loaded config broken in several places
	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Scheduler.Concurrency = 0
	cfg.Log.Format = "xml"
	cfg.Reconciliation.StabilityPeriodDays = 30

	// WHEN: Validating
	err = cfg.Validate()

	// THEN: All four problems are named
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "Server.Port")
	assert.Contains(t, msg, "Scheduler.Concurrency")
	assert.Contains(t, msg, "Log.Format")
	assert.Contains(t, msg, "reconciliation.stabilityPeriodDays")
}

func TestValidate_RedisAddrRequiredWhenEnabled(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	require.NoError(t, err)

	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Redis.Addr")
}
