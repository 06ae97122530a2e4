package config

import (
	"fmt"
	"strings"

	"github.com/aristath/routeloop/internal/router"
)

// ConfigError reports every problem found in a configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks the whole configuration and returns *ConfigError if anything is wrong.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := c.Weights.Validate(); err != nil {
		add("weights: %v", err)
	}
	if err := c.Thresholds.Validate(); err != nil {
		add("thresholds: %v", err)
	}
	if c.IterationCap <= 0 {
		add("iteration_cap must be > 0, got %d", c.IterationCap)
	}
	if c.CapExtension <= 0 {
		add("cap_extension must be > 0, got %d", c.CapExtension)
	}
	if strings.TrimSpace(c.CompletionMarker) == "" {
		add("completion_marker must not be empty")
	}

	if c.Checkpoint.Dir == "" {
		add("checkpoint.dir must not be empty")
	}
	if c.Checkpoint.HistoryDir == "" {
		add("checkpoint.history_dir must not be empty")
	}
	if c.Checkpoint.BackupCount <= 0 {
		add("checkpoint.backup_count must be > 0, got %d", c.Checkpoint.BackupCount)
	}
	if c.Checkpoint.IOTimeout <= 0 {
		add("checkpoint.io_timeout must be > 0")
	}

	r := c.Retry
	if r.MaxAttempts < 1 {
		add("retry.max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	if r.InitialDelay <= 0 {
		add("retry.initial_delay must be > 0")
	}
	if r.Multiplier < 1 {
		add("retry.multiplier must be >= 1, got %g", r.Multiplier)
	}
	if r.MaxDelay < r.InitialDelay {
		add("retry.max_delay (%s) must be >= retry.initial_delay (%s)", r.MaxDelay.Duration(), r.InitialDelay.Duration())
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		add("retry.jitter must be in [0, 1], got %g", r.Jitter)
	}

	if c.Breaker.ConsecutiveFailures < 1 {
		add("breaker.consecutive_failures must be >= 1, got %d", c.Breaker.ConsecutiveFailures)
	}
	if c.Gateway.Timeout <= 0 {
		add("gateway.timeout must be > 0")
	}
	if c.Gateway.RatePerMinute < 0 {
		add("gateway.rate_per_minute must be >= 0, got %d", c.Gateway.RatePerMinute)
	}

	for _, capability := range router.Capabilities() {
		cc, ok := c.Capabilities[string(capability)]
		if !ok {
			add("capabilities.%s is not configured", capability)
			continue
		}
		if strings.TrimSpace(cc.Command) == "" {
			add("capabilities.%s.command must not be empty", capability)
		}
		switch cc.Output {
		case OutputText, OutputClaudeJSON, OutputCodexJSONL:
		default:
			add("capabilities.%s.output %q must be one of text, claude-json, codex-jsonl", capability, cc.Output)
		}
	}
	for name := range c.Capabilities {
		if !router.Capability(name).Valid() {
			add("capabilities.%s is not a known capability", name)
		}
	}

	if c.Parallel.MaxConcurrency < 1 {
		add("parallel.max_concurrency must be >= 1, got %d", c.Parallel.MaxConcurrency)
	}
	switch c.Parallel.Policy {
	case PolicyWaitAll, PolicyContinueOnPartial:
	default:
		add("parallel.policy %q must be wait-all or continue-on-partial", c.Parallel.Policy)
	}

	for i, rule := range c.Fallback {
		route, err := router.ParseRoute(rule.Route)
		if err != nil {
			add("fallback[%d]: %v", i, err)
			continue
		}
		phase, ok := router.Spec(route).Phase(rule.Phase)
		if !ok {
			add("fallback[%d]: route %s has no phase %q", i, route, rule.Phase)
			continue
		}
		target := router.Capability(rule.Capability)
		if !target.Valid() {
			add("fallback[%d]: unknown capability %q", i, rule.Capability)
			continue
		}
		if target == phase.Capability {
			add("fallback[%d]: %s/%s already runs on %s", i, route, rule.Phase, target)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		add("logging: %v", err)
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}
