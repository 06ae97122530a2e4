package config

import (
	"time"

	"github.com/aristath/routeloop/internal/logging"
	"github.com/aristath/routeloop/internal/router"
	"github.com/aristath/routeloop/internal/score"
)

// DefaultCompletionMarker is the token an iterative phase emits when it is done.
const DefaultCompletionMarker = "<promise>COMPLETE</promise>"

// DefaultConfig returns the built-in configuration with the three standard capabilities.
func DefaultConfig() *Config {
	return &Config{
		Weights:          score.DefaultWeights(),
		Thresholds:       router.DefaultThresholds(),
		IterationCap:     20,
		CapExtension:     10,
		CompletionMarker: DefaultCompletionMarker,
		Checkpoint: CheckpointConfig{
			Dir:         ".routeloop/checkpoints",
			HistoryDir:  ".routeloop/history",
			BackupCount: 3,
			IOTimeout:   Duration(10 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: Duration(2 * time.Second),
			Multiplier:   2.0,
			MaxDelay:     Duration(30 * time.Second),
			Jitter:       0.5,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration(30 * time.Second),
		},
		Gateway: GatewayConfig{
			Timeout:     Duration(10 * time.Minute),
			OutputLimit: 8000,
		},
		Capabilities: map[string]CapabilityConfig{
			string(router.LocalAgent): {
				Command: "claude",
				Args:    []string{"-p", "{prompt}", "--output-format", "json"},
				Output:  OutputClaudeJSON,
			},
			string(router.CodeAgent): {
				Command: "codex",
				Args:    []string{"exec", "{prompt}", "--full-auto"},
				Output:  OutputText,
			},
			string(router.DesignAgent): {
				Command: "gemini",
				Args:    []string{"{prompt}", "-s", "--yolo"},
				Output:  OutputText,
			},
		},
		Parallel: ParallelConfig{
			MaxConcurrency: 3,
			Policy:         PolicyWaitAll,
		},
		Fallback: []FallbackRule{},
		Git: GitConfig{
			BranchPrefix: "routeloop/",
			Stash:        true,
			CommitPhases: true,
		},
		Logging: logging.NewDefaultConfig(),
		Ledger:  LedgerConfig{Path: ".routeloop/ledger.db"},
	}
}
