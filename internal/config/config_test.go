package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "selfpatch" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Improvement.CooldownSeconds != 300 {
		t.Errorf("CooldownSeconds = %d, want 300", cfg.Improvement.CooldownSeconds)
	}
	if cfg.Sandbox.Image != "alpine:latest" {
		t.Errorf("Sandbox.Image = %q", cfg.Sandbox.Image)
	}
	if !cfg.Git.Enabled {
		t.Error("git should be enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
llm:
  model: gemini-2.5-pro
  timeout: 30s
improvement:
  cooldown_seconds: 600
  max_per_cycle: 1
git:
  enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "gemini-2.5-pro" {
		t.Errorf("Model = %q", cfg.LLM.Model)
	}
	if cfg.GetLLMTimeout() != 30*time.Second {
		t.Errorf("GetLLMTimeout = %v", cfg.GetLLMTimeout())
	}
	if cfg.Cooldown() != 10*time.Minute {
		t.Errorf("Cooldown = %v", cfg.Cooldown())
	}
	if cfg.Improvement.MaxPerCycle != 1 {
		t.Errorf("MaxPerCycle = %d", cfg.Improvement.MaxPerCycle)
	}
	if cfg.Git.Enabled {
		t.Error("git should be disabled")
	}
	// Untouched sections keep their defaults.
	if cfg.Improvement.HistoryLimit != 1000 {
		t.Errorf("HistoryLimit = %d, want default 1000", cfg.Improvement.HistoryLimit)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("llm: [not a map"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SELFPATCH_API_KEY", "sk-test")
	t.Setenv("SELFPATCH_MODEL", "gemini-exp")
	t.Setenv("SELFPATCH_GIT_DISABLED", "1")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("APIKey = %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gemini-exp" {
		t.Errorf("Model = %q", cfg.LLM.Model)
	}
	if cfg.Git.Enabled {
		t.Error("SELFPATCH_GIT_DISABLED=1 should disable git")
	}
}

func TestEnvOverridesBeatFileValues(t *testing.T) {
	t.Setenv("SELFPATCH_MODEL", "gemini-exp")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  model: gemini-2.0-flash\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "gemini-exp" {
		t.Errorf("Model = %q, want env override to win", cfg.LLM.Model)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Improvement.MaxPerCycle = 5
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Improvement.MaxPerCycle != 5 {
		t.Errorf("MaxPerCycle = %d, want 5", loaded.Improvement.MaxPerCycle)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero history limit", func(c *Config) { c.Improvement.HistoryLimit = 0 }},
		{"zero max per cycle", func(c *Config) { c.Improvement.MaxPerCycle = 0 }},
		{"zero tick", func(c *Config) { c.Improvement.TickSeconds = 0 }},
		{"zero sandbox timeout", func(c *Config) { c.Sandbox.TimeoutSeconds = 0 }},
		{"bad llm timeout", func(c *Config) { c.LLM.Timeout = "soon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPaths(t *testing.T) {
	if got := StateDir("/work"); got != filepath.Join("/work", ".selfpatch") {
		t.Errorf("StateDir = %q", got)
	}
	if got := ConfigPath("/work"); got != filepath.Join("/work", ".selfpatch", "config.yaml") {
		t.Errorf("ConfigPath = %q", got)
	}
}
