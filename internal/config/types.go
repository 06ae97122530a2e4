package config

import (
	"fmt"
	"time"

	"github.com/aristath/routeloop/internal/logging"
	"github.com/aristath/routeloop/internal/router"
	"github.com/aristath/routeloop/internal/score"
)

// Duration wraps time.Duration so YAML and env values can be written as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration().String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// CheckpointConfig locates and tunes the checkpoint store.
type CheckpointConfig struct {
	Dir         string   `koanf:"dir" yaml:"dir"`
	HistoryDir  string   `koanf:"history_dir" yaml:"history_dir"`
	BackupCount int      `koanf:"backup_count" yaml:"backup_count"`
	IOTimeout   Duration `koanf:"io_timeout" yaml:"io_timeout"`
}

// RetryConfig is the exponential backoff policy for agent invocations.
type RetryConfig struct {
	MaxAttempts  int      `koanf:"max_attempts" yaml:"max_attempts"`
	InitialDelay Duration `koanf:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64  `koanf:"multiplier" yaml:"multiplier"`
	MaxDelay     Duration `koanf:"max_delay" yaml:"max_delay"`
	Jitter       float64  `koanf:"jitter" yaml:"jitter"`
}

// BreakerConfig tunes the per-capability circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures int      `koanf:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         Duration `koanf:"open_timeout" yaml:"open_timeout"`
}

// GatewayConfig holds invocation-wide limits.
type GatewayConfig struct {
	Timeout       Duration `koanf:"timeout" yaml:"timeout"`
	RatePerMinute int      `koanf:"rate_per_minute" yaml:"rate_per_minute"`
	OutputLimit   int      `koanf:"output_limit" yaml:"output_limit"`
}

// CapabilityConfig maps a capability to an external CLI.
// "{prompt}" in Args is replaced with the prompt; with Stdin the prompt is piped instead.
type CapabilityConfig struct {
	Command string   `koanf:"command" yaml:"command"`
	Args    []string `koanf:"args" yaml:"args,omitempty"`
	Output  string   `koanf:"output" yaml:"output"`
	Timeout Duration `koanf:"timeout" yaml:"timeout,omitempty"`
	Stdin   bool     `koanf:"stdin" yaml:"stdin,omitempty"`
}

// Output formats understood by the backend parsers.
const (
	OutputText       = "text"
	OutputClaudeJSON = "claude-json"
	OutputCodexJSONL = "codex-jsonl"
)

// ParallelConfig controls wave execution of independent phases.
type ParallelConfig struct {
	Enabled        bool   `koanf:"enabled" yaml:"enabled"`
	MaxConcurrency int    `koanf:"max_concurrency" yaml:"max_concurrency"`
	Policy         string `koanf:"policy" yaml:"policy"`
}

// Parallel failure policies.
const (
	PolicyWaitAll           = "wait-all"
	PolicyContinueOnPartial = "continue-on-partial"
)

// FallbackRule allows a phase of a route to be retried on another capability.
type FallbackRule struct {
	Route      string `koanf:"route" yaml:"route"`
	Phase      string `koanf:"phase" yaml:"phase"`
	Capability string `koanf:"capability" yaml:"capability"`
}

// GitConfig enables the version-control collaborator.
type GitConfig struct {
	Enabled      bool   `koanf:"enabled" yaml:"enabled"`
	BranchPrefix string `koanf:"branch_prefix" yaml:"branch_prefix"`
	Stash        bool   `koanf:"stash" yaml:"stash"`
	CommitPhases bool   `koanf:"commit_phases" yaml:"commit_phases"`
}

// KnowledgeConfig names an optional command that returns context for a task description.
type KnowledgeConfig struct {
	Command string   `koanf:"command" yaml:"command"`
	Args    []string `koanf:"args" yaml:"args,omitempty"`
}

// MetricsConfig sets where the Prometheus textfile is written. Empty disables it.
type MetricsConfig struct {
	Textfile string `koanf:"textfile" yaml:"textfile"`
}

// LedgerConfig locates the SQLite invocation ledger. Empty disables it.
type LedgerConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// Config is the top-level configuration.
type Config struct {
	Weights          score.Weights               `koanf:"weights" yaml:"weights"`
	Thresholds       router.Thresholds           `koanf:"thresholds" yaml:"thresholds"`
	IterationCap     int                         `koanf:"iteration_cap" yaml:"iteration_cap"`
	CapExtension     int                         `koanf:"cap_extension" yaml:"cap_extension"`
	CompletionMarker string                      `koanf:"completion_marker" yaml:"completion_marker"`
	Signals          score.Overrides             `koanf:"signals" yaml:"signals"`
	Checkpoint       CheckpointConfig            `koanf:"checkpoint" yaml:"checkpoint"`
	Retry            RetryConfig                 `koanf:"retry" yaml:"retry"`
	Breaker          BreakerConfig               `koanf:"breaker" yaml:"breaker"`
	Gateway          GatewayConfig               `koanf:"gateway" yaml:"gateway"`
	Capabilities     map[string]CapabilityConfig `koanf:"capabilities" yaml:"capabilities"`
	Parallel         ParallelConfig              `koanf:"parallel" yaml:"parallel"`
	Fallback         []FallbackRule              `koanf:"fallback" yaml:"fallback"`
	Git              GitConfig                   `koanf:"git" yaml:"git"`
	Knowledge        KnowledgeConfig             `koanf:"knowledge" yaml:"knowledge"`
	Logging          logging.Config              `koanf:"logging" yaml:"logging"`
	Metrics          MetricsConfig               `koanf:"metrics" yaml:"metrics"`
	Ledger           LedgerConfig                `koanf:"ledger" yaml:"ledger"`
	Mock             bool                        `koanf:"mock" yaml:"mock"`
}

// SignalSet returns the default signal tables with the configured overrides applied.
func (c *Config) SignalSet() score.SignalSet {
	return score.DefaultSignals().Apply(c.Signals)
}

// Capability returns the CLI mapping for a capability.
func (c *Config) Capability(name router.Capability) (CapabilityConfig, bool) {
	cc, ok := c.Capabilities[string(name)]
	return cc, ok
}

// FallbackFor returns the capability a phase may fall back to, if a rule allows it.
func (c *Config) FallbackFor(route router.Route, phase string) (router.Capability, bool) {
	for _, rule := range c.Fallback {
		r, err := router.ParseRoute(rule.Route)
		if err == nil && r == route && rule.Phase == phase {
			return router.Capability(rule.Capability), true
		}
	}
	return "", false
}
