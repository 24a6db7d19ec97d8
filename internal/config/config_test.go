package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
service:
  workers: 8
  log_level: debug
bridge:
  scan_interval: 2s
cache:
  max_entries: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Service.Workers)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Bridge.ScanInterval)
	assert.Equal(t, 50, cfg.Cache.MaxEntries)

	// Untouched sections keep their defaults.
	assert.Equal(t, 1000, cfg.Service.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Bridge.Timeout)
	assert.Equal(t, "adb_optimization_data.json", cfg.Optimization.StatePath)
	assert.True(t, cfg.Optimization.FusionEnabled)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"zero workers", "service:\n  workers: 0\n", "service.workers"},
		{"bad log level", "service:\n  log_level: verbose\n", "service.log_level"},
		{"zero retries", "service:\n  max_retries: 0\n", "service.max_retries"},
		{"cpu ceiling out of range", "resources:\n  cpu_max_percent: 150\n", "cpu_max_percent"},
		{"malformed yaml", "service: [\n", "failed to parse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDefaultsValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validate(Defaults()))
}
