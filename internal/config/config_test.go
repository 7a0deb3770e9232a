package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, int64(900), cfg.Worker.PeriodMs)
	assert.Equal(t, int64(5000), cfg.Worker.ThresholdMs)
	assert.Equal(t, 4096, cfg.Allocator.ReserveBytes)
	assert.Equal(t, ":9090", cfg.Observability.MetricsAddr)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
worker:
  periodMs: 250
allocator:
  kind: heap
observability:
  logFormat: text
`))
	require.NoError(t, err)

	assert.Equal(t, int64(250), cfg.Worker.PeriodMs)
	assert.Equal(t, int64(5000), cfg.Worker.ThresholdMs, "unset fields keep defaults")
	assert.Equal(t, "heap", cfg.Allocator.Kind)
	assert.Equal(t, "text", cfg.Observability.LogFormat)
}

func TestParse_EnvOverridesFile(t *testing.T) {
	t.Setenv("RECLAIM_WORKER_THRESHOLD_MS", "1500")
	t.Setenv("RECLAIM_OBSERVABILITY_LOG_LEVEL", "debug")

	cfg, err := Parse([]byte("worker:\n  thresholdMs: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, int64(1500), cfg.Worker.ThresholdMs)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("worker: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero period", func(c *Config) { c.Worker.PeriodMs = 0 }},
		{"negative threshold", func(c *Config) { c.Worker.ThresholdMs = -1 }},
		{"unknown allocator", func(c *Config) { c.Allocator.Kind = "slab" }},
		{"negative reserve", func(c *Config) { c.Allocator.ReserveBytes = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reclaim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  periodMs: 100\n  thresholdMs: 0\n"), 0o644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, int64(100), cfg.Worker.PeriodMs)
	assert.Equal(t, int64(0), cfg.Worker.ThresholdMs)

	_, err = LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_UsesConfigPathEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reclaim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  periodMs: 42\n"), 0o644))
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.Worker.PeriodMs)
}
