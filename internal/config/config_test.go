package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromPath_Defaults(t *testing.T) {
	cfg, err := LoadFromPath("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Startup.Concurrency)
	assert.Equal(t, 1000, cfg.Monitoring.HistoryLimit)
	assert.Equal(t, time.Minute, cfg.Monitoring.SnapshotInterval)
	assert.Equal(t, 6, cfg.Admission.QueueConcurrency)
	assert.Equal(t, 50*time.Millisecond, cfg.Admission.DispatchDelay)
	assert.Equal(t, 5, cfg.Admission.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Admission.RecoveryTimeout)
	assert.InDelta(t, 0.75, cfg.Startup.MemoryPressureFraction, 1e-9)
}

func TestLoadFromPath_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worrybox.yaml")
	data := []byte(`
logging:
  level: debug
  format: json
startup:
  concurrency: 5
  validate_health: true
monitoring:
  snapshot_interval: 30s
  history_limit: 200
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5, cfg.Startup.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Monitoring.SnapshotInterval)
	assert.Equal(t, 200, cfg.Monitoring.HistoryLimit)
}

func TestLoadFromPath_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STARTUP_CONCURRENCY", "7")
	t.Setenv("MONITORING_SNAPSHOT_INTERVAL", "15s")

	cfg, err := LoadFromPath("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Startup.Concurrency)
	assert.Equal(t, 15*time.Second, cfg.Monitoring.SnapshotInterval)
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
