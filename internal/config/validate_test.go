package config

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"weights off by one", func(c *Config) { c.Weights.UI = 11 }, "weights"},
		{"negative weight", func(c *Config) { c.Weights.UI = -10; c.Weights.Scope = 45 }, "weights"},
		{"thresholds not increasing", func(c *Config) { c.Thresholds.Ralph = 45 }, "thresholds"},
		{"zero cap", func(c *Config) { c.IterationCap = 0 }, "iteration_cap"},
		{"zero extension", func(c *Config) { c.CapExtension = 0 }, "cap_extension"},
		{"no backups", func(c *Config) { c.Checkpoint.BackupCount = 0 }, "backup_count"},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"shrinking backoff", func(c *Config) { c.Retry.Multiplier = 0.5 }, "multiplier"},
		{"max below initial", func(c *Config) { c.Retry.MaxDelay = c.Retry.InitialDelay - 1 }, "max_delay"},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }, "jitter"},
		{"empty command", func(c *Config) {
			cc := c.Capabilities["design_agent"]
			cc.Command = ""
			c.Capabilities["design_agent"] = cc
		}, "design_agent.command"},
		{"unknown output", func(c *Config) {
			cc := c.Capabilities["local_agent"]
			cc.Output = "xml"
			c.Capabilities["local_agent"] = cc
		}, "local_agent.output"},
		{"missing capability", func(c *Config) { delete(c.Capabilities, "code_agent") }, "code_agent is not configured"},
		{"unknown capability", func(c *Config) { c.Capabilities["robot"] = CapabilityConfig{Command: "x", Output: OutputText} }, "robot"},
		{"zero concurrency", func(c *Config) { c.Parallel.MaxConcurrency = 0 }, "max_concurrency"},
		{"bad policy", func(c *Config) { c.Parallel.Policy = "yolo" }, "parallel.policy"},
		{"fallback unknown route", func(c *Config) {
			c.Fallback = []FallbackRule{{Route: "scenic", Phase: "review", Capability: "local_agent"}}
		}, "fallback[0]"},
		{"fallback unknown phase", func(c *Config) {
			c.Fallback = []FallbackRule{{Route: "planned", Phase: "dance", Capability: "local_agent"}}
		}, "no phase"},
		{"fallback to same capability", func(c *Config) {
			c.Fallback = []FallbackRule{{Route: "ralph", Phase: "execute", Capability: "code_agent"}}
		}, "already runs on"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
