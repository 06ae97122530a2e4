// Command routeloop routes a coding task to a phase plan and drives it through
// external agent CLIs until it completes, checkpointing after every step.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/routeloop/internal/checkpoint"
	"github.com/aristath/routeloop/internal/config"
	"github.com/aristath/routeloop/internal/orchestrator"
)

var version = "dev"

// Process exit codes.
const (
	exitOK        = 0
	exitFailed    = 1
	exitConfig    = 2
	exitCapSaved  = 3
	exitCorrupt   = 4
	exitInterrupt = 130
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	cmd := newRootCmd()
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "routeloop",
		Short: "Route coding tasks to agent CLIs and loop until they complete",
		Long: `routeloop scores a task description, picks an execution route and drives
its phases through the configured agent CLIs. Progress is checkpointed after
every phase and iteration, so any stopped run can be resumed.

Exit codes:
  0    completed
  1    failed
  2    invalid configuration
  3    iteration cap reached, task saved for later
  4    checkpoint records could not be verified
  130  interrupted`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "project config file (default .routeloop/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(routeCmd(opts))
	rootCmd.AddCommand(runCmd(opts))
	rootCmd.AddCommand(resumeCmd(opts))
	rootCmd.AddCommand(listCheckpointsCmd(opts))
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(watchCmd(opts))
	rootCmd.AddCommand(configCmd(opts))

	return rootCmd
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var cfgErr *config.ConfigError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.Is(err, orchestrator.ErrCapReached):
		return exitCapSaved
	case checkpoint.IsKind(err, checkpoint.CorruptState):
		return exitCorrupt
	case errors.Is(err, orchestrator.ErrAborted), errors.Is(err, context.Canceled):
		return exitInterrupt
	default:
		return exitFailed
	}
}

// loadConfig loads the effective configuration and applies flag overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadDefault(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, &config.ConfigError{Problems: []string{err.Error()}}
		}
	}
	return cfg, nil
}
