package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Executor.MaxDebugAttempts)
	assert.Equal(t, "none", cfg.Sandbox.DefaultNetworkMode)
	assert.Equal(t, time.Second, cfg.TickInterval())
	assert.Equal(t, 5*time.Minute, cfg.DefaultCommandTimeout())
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
executor:
  maxDebugAttempts: 5
sandbox:
  defaultImage: golang:1.24
  cpus: "4"
orchestrator:
  maxProjectRetries: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Executor.MaxDebugAttempts)
	assert.Equal(t, "golang:1.24", cfg.Sandbox.DefaultImage)
	assert.Equal(t, "4", cfg.Sandbox.CPUs)
	assert.Equal(t, 7, cfg.Orchestrator.MaxProjectRetries)

	// Untouched fields keep their defaults.
	assert.Equal(t, Default().Events.BufferSize, cfg.Events.BufferSize)
	assert.Equal(t, Default().Sandbox.Memory, cfg.Sandbox.Memory)
}

func TestLoad_JSONOverlaysDefaults(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
  "retryDelay": {"baseMs": 100, "modifiedMs": 300},
  "events": {"bufferSize": 64}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(100), cfg.RetryDelay.BaseMS)
	assert.Equal(t, int64(300), cfg.RetryDelay.ModifiedMS)
	assert.Equal(t, 64, cfg.Events.BufferSize)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeTempConfig(t, "config.toml", "whatever = true")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config format")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
executor:
  maxDebugAttempts: 0
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxDebugAttempts")
}

func TestValidate_ResourceCeilingsMandatory(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty cpus", func(c *Config) { c.Sandbox.CPUs = "" }},
		{"empty memory", func(c *Config) { c.Sandbox.Memory = "" }},
		{"zero pids", func(c *Config) { c.Sandbox.PIDs = 0 }},
		{"empty image", func(c *Config) { c.Sandbox.DefaultImage = "" }},
		{"zero timeout", func(c *Config) { c.Sandbox.DefaultCommandTimeoutMS = 0 }},
		{"zero tick", func(c *Config) { c.Orchestrator.TickIntervalMS = 0 }},
		{"negative project retries", func(c *Config) { c.Orchestrator.MaxProjectRetries = -1 }},
		{"negative subtask retries", func(c *Config) { c.MaxSubtaskRetries.Simple = -1 }},
		{"empty projects path", func(c *Config) { c.Persistence.ProjectsBasePath = "" }},
		{"zero event buffer", func(c *Config) { c.Events.BufferSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
