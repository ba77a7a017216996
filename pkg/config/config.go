// Package config loads the toolflow coordinator configuration from YAML with
// environment overrides. The retry, backoff, throttle, and cache-clear values
// are tunable policy defaults, not guarantees.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation.
const (
	DefaultDatabasePath      = "toolflow.db"
	DefaultBusURL            = "nats://localhost:4222"
	DefaultListenAddr        = ":8080"
	DefaultMaxRetries        = 5
	DefaultRetryBackoff      = 25 * time.Millisecond
	DefaultMaxParallelTools  = 5
	DefaultBroadcastThrottle = 250 * time.Millisecond
	DefaultFullClearChance   = 0.02
	DefaultMaxErrorLength    = 500
	DefaultLogDir            = "logs"
	DefaultWorkspaceRoot     = "."
)

// Config represents the complete toolflow configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Bus       BusConfig       `yaml:"bus"`
	Server    ServerConfig    `yaml:"server"`
	Execution ExecutionConfig `yaml:"execution"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WorkspaceConfig locates the file tree mutations apply to.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BusConfig configures the real-time transport.
type BusConfig struct {
	// URL of the NATS server; "memory" selects the in-process transport.
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// ServerConfig configures the control-plane HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ExecutionConfig tunes the status coordinator and worker fan-out.
type ExecutionConfig struct {
	// MaxRetries bounds the CAS retry loop per update.
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoff is the base of the exponential backoff between retries.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// MaxParallelTools bounds concurrent workers per batch.
	MaxParallelTools int `yaml:"max_parallel_tools"`
	// MaxErrorLength truncates error messages stored on a tool state.
	MaxErrorLength int `yaml:"max_error_length"`
}

// BroadcastConfig tunes the fan-out behavior.
type BroadcastConfig struct {
	// ProgressThrottle is the minimum interval between progress-only pushes.
	// Terminal transitions always bypass it.
	ProgressThrottle time.Duration `yaml:"progress_throttle"`
}

// TrackerConfig tunes file-change tracking.
type TrackerConfig struct {
	// FullClearChance is the probability that a confirmed change also clears
	// the whole per-app cache.
	FullClearChance float64 `yaml:"full_clear_chance"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Bus:      BusConfig{URL: DefaultBusURL, Name: "toolflow"},
		Server:   ServerConfig{Addr: DefaultListenAddr},
		Execution: ExecutionConfig{
			MaxRetries:       DefaultMaxRetries,
			RetryBackoff:     DefaultRetryBackoff,
			MaxParallelTools: DefaultMaxParallelTools,
			MaxErrorLength:   DefaultMaxErrorLength,
		},
		Broadcast: BroadcastConfig{ProgressThrottle: DefaultBroadcastThrottle},
		Tracker:   TrackerConfig{FullClearChance: DefaultFullClearChance},
		Workspace: WorkspaceConfig{Root: DefaultWorkspaceRoot},
		Logging:   LoggingConfig{Dir: DefaultLogDir, Level: "info"},
	}
}

// Load reads the config file at path (if it exists), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TOOLFLOW_DB_PATH")); v != "" {
		cfg.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("TOOLFLOW_BUS_URL")); v != "" {
		cfg.Bus.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("TOOLFLOW_LISTEN_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("TOOLFLOW_WORKSPACE_ROOT")); v != "" {
		cfg.Workspace.Root = v
	}
	if v := strings.TrimSpace(os.Getenv("TOOLFLOW_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("TOOLFLOW_MAX_PARALLEL_TOOLS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Execution.MaxParallelTools = n
		}
	}
}

// Validate checks the config for nonsensical values.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries cannot be negative")
	}
	if c.Execution.MaxParallelTools <= 0 {
		return fmt.Errorf("execution.max_parallel_tools must be positive")
	}
	if c.Execution.RetryBackoff < 0 {
		return fmt.Errorf("execution.retry_backoff cannot be negative")
	}
	if c.Broadcast.ProgressThrottle < 0 {
		return fmt.Errorf("broadcast.progress_throttle cannot be negative")
	}
	if c.Tracker.FullClearChance < 0 || c.Tracker.FullClearChance > 1 {
		return fmt.Errorf("tracker.full_clear_chance must be within [0, 1]")
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root cannot be empty")
	}
	return nil
}
