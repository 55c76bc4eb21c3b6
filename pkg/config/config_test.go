package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "waterplan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10000, cfg.Allocator.MaxAugmentations)
	assert.False(t, cfg.Store.S3.Enabled())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  poll_interval: 500ms
log_level: debug
topology: networks/valley.yaml
series:
  - series/inflow.csv
  - /abs/demand.csv
allocator:
  max_augmentations: 500
orphan_allow_list: [recharge_bypass]
store:
  s3:
    bucket: plans
    region: eu-west-1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.PollInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, filepath.Join(dir, "networks/valley.yaml"), cfg.Topology)
	assert.Equal(t, []string{filepath.Join(dir, "series/inflow.csv"), "/abs/demand.csv"}, cfg.Series)
	assert.Equal(t, 500, cfg.Allocator.MaxAugmentations)
	assert.Equal(t, 1e-9, cfg.Allocator.Epsilon)
	assert.Equal(t, []string{"recharge_bypass"}, cfg.OrphanAllowList)
	assert.True(t, cfg.Store.S3.Enabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("WATERPLAN_STATE_DIR", "/var/lib/waterplan/state")
	t.Setenv("WATERPLAN_RUNS_DIR", "/var/lib/waterplan/runs")
	t.Setenv("DATABASE_URL", "postgres://localhost/waterplan")

	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/var/lib/waterplan/state", cfg.StateDir)
	assert.Equal(t, "/var/lib/waterplan/runs", cfg.RunsDir)
	assert.Equal(t, "postgres://localhost/waterplan", cfg.Store.PostgresURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad port", "server:\n  port: 70000\n"},
		{"bad level", "log_level: loud\n"},
		{"bad orphan id", "orphan_allow_list: ['has space']\n"},
		{"s3 without region", "store:\n  s3:\n    bucket: plans\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	t.Run("bad env port", func(t *testing.T) {
		t.Setenv("PORT", "http")
		_, err := Load("")
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
