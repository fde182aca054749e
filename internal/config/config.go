// Package config loads and validates selfpatch configuration from
// .selfpatch/config.yaml, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all selfpatch configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Improvement pipeline configuration
	Improvement ImprovementConfig `yaml:"improvement"`

	// Sandbox verification configuration
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Git publishing
	Git GitConfig `yaml:"git"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the change generator's LLM client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// ImprovementConfig configures the analyzer and scheduler.
type ImprovementConfig struct {
	// Task history
	HistoryLimit int `yaml:"history_limit"` // max retained task records
	WindowDays   int `yaml:"window_days"`   // analysis window

	// Scheduler
	TickSeconds     int `yaml:"tick_seconds"`     // scheduler poll interval
	IdleSeconds     int `yaml:"idle_seconds"`     // quiet time before a cycle may start
	CooldownSeconds int `yaml:"cooldown_seconds"` // min spacing between cycles
	MaxPerCycle     int `yaml:"max_per_cycle"`    // opportunities attempted per cycle
	RetryHours      int `yaml:"retry_hours"`      // skip opportunities that failed within this window

	// Snapshots
	SnapshotRetention int `yaml:"snapshot_retention"` // committed snapshots kept on disk
}

// SandboxConfig configures the isolated verifier.
type SandboxConfig struct {
	Image          string `yaml:"image"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MemoryLimit    string `yaml:"memory_limit"`
	CPULimit       string `yaml:"cpu_limit"`
	MaxOutputBytes int64  `yaml:"max_output_bytes"`
}

// GitConfig configures version control publishing.
type GitConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeout_seconds"` // per git command
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "selfpatch",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
			Timeout:  "120s",
		},

		Improvement: ImprovementConfig{
			HistoryLimit:      1000,
			WindowDays:        7,
			TickSeconds:       60,
			IdleSeconds:       300,
			CooldownSeconds:   300,
			MaxPerCycle:       3,
			RetryHours:        24,
			SnapshotRetention: 20,
		},

		Sandbox: SandboxConfig{
			Image:          "alpine:latest",
			TimeoutSeconds: 60,
			MemoryLimit:    "256m",
			CPULimit:       "0.5",
			MaxOutputBytes: 1 << 20,
		},

		Git: GitConfig{
			Enabled:        true,
			TimeoutSeconds: 60,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file is the normal case; env overrides still apply.
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("SELFPATCH_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if model := os.Getenv("SELFPATCH_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if v := os.Getenv("SELFPATCH_GIT_DISABLED"); v == "1" || v == "true" {
		c.Git.Enabled = false
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// AnalysisWindow returns the history window inspected by the analyzer.
func (c *Config) AnalysisWindow() time.Duration {
	return time.Duration(c.Improvement.WindowDays) * 24 * time.Hour
}

// Tick returns the scheduler poll interval.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Improvement.TickSeconds) * time.Second
}

// IdleThreshold returns the required quiet time before a cycle may start.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Improvement.IdleSeconds) * time.Second
}

// Cooldown returns the minimum spacing between improvement cycles.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Improvement.CooldownSeconds) * time.Second
}

// RetryLookback returns the window within which a failed opportunity
// is not retried.
func (c *Config) RetryLookback() time.Duration {
	return time.Duration(c.Improvement.RetryHours) * time.Hour
}

// SandboxTimeout returns the per-run verification timeout.
func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
}

// GitTimeout returns the per-command git timeout.
func (c *Config) GitTimeout() time.Duration {
	return time.Duration(c.Git.TimeoutSeconds) * time.Second
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Improvement.HistoryLimit <= 0 {
		return fmt.Errorf("improvement.history_limit must be positive")
	}
	if c.Improvement.MaxPerCycle <= 0 {
		return fmt.Errorf("improvement.max_per_cycle must be positive")
	}
	if c.Improvement.TickSeconds <= 0 {
		return fmt.Errorf("improvement.tick_seconds must be positive")
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox.timeout_seconds must be positive")
	}
	if _, err := time.ParseDuration(c.LLM.Timeout); err != nil {
		return fmt.Errorf("llm.timeout invalid: %w", err)
	}
	return nil
}

// StateDir returns the selfpatch state directory under the workspace.
func StateDir(workspace string) string {
	return filepath.Join(workspace, ".selfpatch")
}

// ConfigPath returns the config file path under the workspace.
func ConfigPath(workspace string) string {
	return filepath.Join(StateDir(workspace), "config.yaml")
}
