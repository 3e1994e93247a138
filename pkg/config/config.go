// Package config provides configuration loading, validation and defaults
// for the execution core. Configuration is strictly separate from state:
// attempt counters, checkpoints and statuses live in the persistence store,
// never here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutorConfig bounds the self-debug loop.
type ExecutorConfig struct {
	// MaxDebugAttempts is the attempt ceiling per subtask, including the
	// initial attempt.
	MaxDebugAttempts int `json:"maxDebugAttempts" yaml:"maxDebugAttempts"`
}

// SubtaskRetryConfig holds per-action retry ceilings for subtask recovery.
type SubtaskRetryConfig struct {
	Simple   int `json:"simple" yaml:"simple"`
	Modified int `json:"modified" yaml:"modified"`
}

// RetryDelayConfig holds backoff delays in milliseconds.
type RetryDelayConfig struct {
	BaseMS     int64 `json:"baseMs" yaml:"baseMs"`
	ModifiedMS int64 `json:"modifiedMs" yaml:"modifiedMs"`
}

// SandboxConfig controls the isolated execution environments.
type SandboxConfig struct {
	DefaultImage            string `json:"defaultImage" yaml:"defaultImage"`
	DefaultNetworkMode      string `json:"defaultNetworkMode" yaml:"defaultNetworkMode"`
	DefaultCommandTimeoutMS int64  `json:"defaultCommandTimeoutMs" yaml:"defaultCommandTimeoutMs"`

	// HostWorkRoot is the directory under which per-session host
	// directories are created. Session cleanup refuses to remove anything
	// outside this root.
	HostWorkRoot string `json:"hostWorkRoot" yaml:"hostWorkRoot"`

	// Resource ceilings. Sandboxes are never unbounded.
	CPUs   string `json:"cpus" yaml:"cpus"`
	Memory string `json:"memory" yaml:"memory"`
	PIDs   int64  `json:"pids" yaml:"pids"`
}

// PersistenceConfig locates the project document store.
type PersistenceConfig struct {
	ProjectsBasePath string `json:"projectsBasePath" yaml:"projectsBasePath"`
}

// EventsConfig sizes the event queue and locates the journal.
type EventsConfig struct {
	BufferSize  int    `json:"bufferSize" yaml:"bufferSize"`
	JournalPath string `json:"journalPath" yaml:"journalPath"`
}

// OrchestratorConfig controls the tick loop and project-level recovery.
type OrchestratorConfig struct {
	TickIntervalMS    int64 `json:"tickIntervalMs" yaml:"tickIntervalMs"`
	MaxProjectRetries int   `json:"maxProjectRetries" yaml:"maxProjectRetries"`
}

// Config is the full configuration surface consumed by the core.
type Config struct {
	Executor          ExecutorConfig     `json:"executor" yaml:"executor"`
	MaxSubtaskRetries SubtaskRetryConfig `json:"maxSubtaskRetries" yaml:"maxSubtaskRetries"`
	RetryDelay        RetryDelayConfig   `json:"retryDelay" yaml:"retryDelay"`
	Sandbox           SandboxConfig      `json:"sandbox" yaml:"sandbox"`
	Persistence       PersistenceConfig  `json:"persistence" yaml:"persistence"`
	Events            EventsConfig       `json:"events" yaml:"events"`
	Orchestrator      OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Executor: ExecutorConfig{
			MaxDebugAttempts: 3,
		},
		MaxSubtaskRetries: SubtaskRetryConfig{
			Simple:   3,
			Modified: 2,
		},
		RetryDelay: RetryDelayConfig{
			BaseMS:     500,
			ModifiedMS: 2000,
		},
		Sandbox: SandboxConfig{
			DefaultImage:            "alpine:latest",
			DefaultNetworkMode:      "none",
			DefaultCommandTimeoutMS: int64(5 * time.Minute / time.Millisecond),
			HostWorkRoot:            filepath.Join(os.TempDir(), "codeforge-sessions"),
			CPUs:                    "2",
			Memory:                  "2g",
			PIDs:                    1024,
		},
		Persistence: PersistenceConfig{
			ProjectsBasePath: ".codeforge/projects",
		},
		Events: EventsConfig{
			BufferSize:  1024,
			JournalPath: ".codeforge/events.db",
		},
		Orchestrator: OrchestratorConfig{
			TickIntervalMS:    1000,
			MaxProjectRetries: 2,
		},
	}
}

// Load reads a config file (JSON or YAML by extension), overlaying it on
// the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that would leave the core unbounded or
// unable to persist.
func (c *Config) Validate() error {
	if c.Executor.MaxDebugAttempts < 1 {
		return fmt.Errorf("executor.maxDebugAttempts must be >= 1, got %d", c.Executor.MaxDebugAttempts)
	}
	if c.MaxSubtaskRetries.Simple < 0 || c.MaxSubtaskRetries.Modified < 0 {
		return fmt.Errorf("maxSubtaskRetries values cannot be negative")
	}
	if c.Orchestrator.MaxProjectRetries < 0 {
		return fmt.Errorf("orchestrator.maxProjectRetries cannot be negative")
	}
	if c.Orchestrator.TickIntervalMS <= 0 {
		return fmt.Errorf("orchestrator.tickIntervalMs must be positive, got %d", c.Orchestrator.TickIntervalMS)
	}
	if c.Sandbox.DefaultImage == "" {
		return fmt.Errorf("sandbox.defaultImage cannot be empty")
	}
	if c.Sandbox.DefaultCommandTimeoutMS <= 0 {
		return fmt.Errorf("sandbox.defaultCommandTimeoutMs must be positive")
	}
	// Resource ceilings must always be present: sandboxes are never
	// unbounded.
	if c.Sandbox.CPUs == "" || c.Sandbox.Memory == "" || c.Sandbox.PIDs <= 0 {
		return fmt.Errorf("sandbox resource limits (cpus, memory, pids) must all be set")
	}
	if c.Persistence.ProjectsBasePath == "" {
		return fmt.Errorf("persistence.projectsBasePath cannot be empty")
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.bufferSize must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}

// DefaultCommandTimeout returns the sandbox command timeout as a Duration.
func (c *Config) DefaultCommandTimeout() time.Duration {
	return time.Duration(c.Sandbox.DefaultCommandTimeoutMS) * time.Millisecond
}

// TickInterval returns the orchestrator tick interval as a Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Orchestrator.TickIntervalMS) * time.Millisecond
}
