package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/aristath/routeloop/internal/checkpoint"
	"github.com/aristath/routeloop/internal/config"
	"github.com/aristath/routeloop/internal/orchestrator"
	"github.com/aristath/routeloop/internal/router"
	"github.com/aristath/routeloop/internal/tui"
)

// viewGrace is how long the live view gets to show the final frame after the
// run returns.
const viewGrace = 2 * time.Second

var isTerminal = func(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// runFlags are the flags shared by run and resume.
type runFlags struct {
	parallel      bool
	noParallel    bool
	tui           bool
	onCap         string
	allowFallback bool
	onCorrupt     string
	noInput       bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.parallel, "parallel", false, "run independent phases of a wave concurrently (default parallel.enabled)")
	cmd.Flags().BoolVar(&f.noParallel, "no-parallel", false, "run every phase sequentially")
	cmd.MarkFlagsMutuallyExclusive("parallel", "no-parallel")
	cmd.Flags().BoolVar(&f.tui, "tui", false, "show the live terminal view")
	cmd.Flags().StringVar(&f.onCap, "on-cap", "save", "answer at the iteration cap without prompting: save, extend or abandon")
	cmd.Flags().BoolVar(&f.allowFallback, "allow-fallback", false, "accept configured capability fallbacks without prompting")
	cmd.Flags().StringVar(&f.onCorrupt, "on-corrupt", "inspect", "answer for unverifiable checkpoints without prompting: inspect or start-fresh")
	cmd.Flags().BoolVar(&f.noInput, "no-input", false, "never prompt; use the --on-cap, --allow-fallback and --on-corrupt answers")
}

// parallelMode resolves the flags against the configured default.
func (f *runFlags) parallelMode(cfg *config.Config) bool {
	switch {
	case f.parallel:
		return true
	case f.noParallel:
		return false
	}
	return cfg.Parallel.Enabled
}

func (f *runFlags) policy() (orchestrator.PolicyDecider, error) {
	onCap, err := orchestrator.ParseCapChoice(f.onCap)
	if err != nil {
		return orchestrator.PolicyDecider{}, err
	}
	p := orchestrator.PolicyDecider{OnCap: onCap, AllowFallback: f.allowFallback}
	switch strings.ToLower(strings.TrimSpace(f.onCorrupt)) {
	case "", "inspect":
		p.OnCorrupt = orchestrator.CorruptInspect
	case "start-fresh", "fresh":
		p.OnCorrupt = orchestrator.CorruptStartFresh
	default:
		return orchestrator.PolicyDecider{}, fmt.Errorf("unknown --on-corrupt %q (want inspect or start-fresh)", f.onCorrupt)
	}
	return p, nil
}

// interactive reports whether decisions are asked through prompts. Any
// explicit policy flag turns prompting off.
func (f *runFlags) interactive(cmd *cobra.Command) bool {
	if f.noInput {
		return false
	}
	for _, name := range []string{"on-cap", "allow-fallback", "on-corrupt"} {
		if cmd.Flags().Changed(name) {
			return false
		}
	}
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}

// logToFile keeps log lines out of the live view by sending them next to the
// checkpoints unless a log file is configured.
func (f *runFlags) logToFile(cfg *config.Config) {
	if !f.tui || cfg.Logging.File != "" {
		return
	}
	dir := filepath.Dir(cfg.Checkpoint.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	cfg.Logging.File = filepath.Join(dir, "routeloop.log")
}

// driveFunc starts or resumes one task on a controller.
type driveFunc func(ctx context.Context, ctrl *orchestrator.Controller) (*checkpoint.TaskState, error)

func runCmd(opts *rootOptions) *cobra.Command {
	var (
		route overrideFlags
		flags runFlags
	)

	cmd := &cobra.Command{
		Use:   "run <task description>",
		Short: "Route a task and drive it to completion",
		Long: `Route a task and drive its phases through the configured agents until the
task completes, fails, reaches the iteration cap or is interrupted.

The first interrupt stops the run after the current phase and saves it; a
second one kills the running agents.

Examples:
  # Let the router decide
  routeloop run "add pagination to the orders endpoint"

  # Force the iterative route and run independent phases concurrently
  routeloop run --deep --parallel "migrate the storage layer to sqlite"

  # Unattended: extend at the cap, accept fallbacks
  routeloop run --on-cap=extend --allow-fallback "fix the flaky auth tests"

  # Dry run with every agent mocked
  ROUTELOOP_MOCK=true routeloop run --tui "refactor the billing module"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override, err := route.override()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, flags.logToFile)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			description := strings.Join(args, " ")
			d, err := decide(a.cfg, description, override)
			if err != nil {
				return err
			}
			parallel := flags.parallelMode(a.cfg)
			return execute(cmd, a, &flags, func(ctx context.Context, ctrl *orchestrator.Controller) (*checkpoint.TaskState, error) {
				return ctrl.Start(ctx, description, d, parallel)
			})
		},
	}

	route.register(cmd)
	flags.register(cmd)
	return cmd
}

func resumeCmd(opts *rootOptions) *cobra.Command {
	var (
		flags runFlags
		task  string
	)

	cmd := &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Continue a saved task from its last checkpoint",
		Long: `Continue a failed, aborted or saved task from the phase and iteration in its
last verified checkpoint. An unambiguous id prefix is enough.

When no record of the task can be verified, routeloop asks whether to leave
the files for inspection or quarantine them. With --task, a quarantined task
is started again from scratch.

Examples:
  routeloop resume 3f2a9c1e
  routeloop resume --on-corrupt=start-fresh --task "fix the flaky auth tests" 3f2a`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, flags.logToFile)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			id, err := resolveTask(ctx, a.store, args[0])
			if err != nil {
				return err
			}
			return execute(cmd, a, &flags, func(ctx context.Context, ctrl *orchestrator.Controller) (*checkpoint.TaskState, error) {
				st, err := ctrl.Resume(ctx, id)
				if !errors.Is(err, orchestrator.ErrQuarantined) || task == "" {
					return st, err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%v\nStarting the task again.\n", err)
				d, derr := decide(a.cfg, task, router.NoOverride)
				if derr != nil {
					return nil, derr
				}
				return ctrl.Start(ctx, task, d, flags.parallelMode(a.cfg))
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&task, "task", "", "task description to start fresh with after quarantining unverifiable records")
	return cmd
}

// resolveTask expands an id prefix to an active task. An id that only exists
// in history is reported as archived.
func resolveTask(ctx context.Context, store *checkpoint.Store, arg string) (string, error) {
	id, err := store.Resolve(arg)
	if err == nil {
		return id, nil
	}
	if !checkpoint.IsKind(err, checkpoint.NotFound) {
		return "", err
	}
	run, ok, herr := store.FindArchived(ctx, arg)
	if herr != nil || !ok {
		return "", err
	}
	return "", fmt.Errorf("%w: %s is archived (%s) at %s", orchestrator.ErrNotResumable, run.ID, run.Status, run.Path)
}

// execute drives one task with interrupt handling, the chosen decider and
// either the live view or line-by-line progress.
func execute(cmd *cobra.Command, a *app, flags *runFlags, drive driveFunc) error {
	policy, err := flags.policy()
	if err != nil {
		return err
	}
	ctx, release := handleInterrupts(cmd.Context(), a.pm, cmd.ErrOrStderr(), os.Exit, interruptSignals...)
	defer release()

	var (
		st     *checkpoint.TaskState
		runErr error
	)
	if flags.tui {
		st, runErr = executeWithView(ctx, cmd, a, flags, policy, drive)
	} else {
		st, runErr = executePlain(ctx, cmd, a, flags, policy, drive)
	}
	printOutcome(cmd.OutOrStdout(), st, runErr)
	return runErr
}

func executePlain(ctx context.Context, cmd *cobra.Command, a *app, flags *runFlags, policy orchestrator.PolicyDecider, drive driveFunc) (*checkpoint.TaskState, error) {
	var decider orchestrator.Decider = policy
	if flags.interactive(cmd) {
		decider = &tui.Decider{}
	}
	ctrl, err := a.controller(ctx, decider)
	if err != nil {
		return nil, err
	}

	reported := report(a.bus, cmd.OutOrStdout())
	st, err := drive(ctx, ctrl)
	a.bus.Close()
	<-reported
	return st, err
}

func executeWithView(ctx context.Context, cmd *cobra.Command, a *app, flags *runFlags, policy orchestrator.PolicyDecider, drive driveFunc) (*checkpoint.TaskState, error) {
	if !isTerminal(os.Stdout) {
		return nil, errors.New("--tui needs a terminal")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(tui.New(a.bus, cancel), tea.WithAltScreen())

	var decider orchestrator.Decider = policy
	if flags.interactive(cmd) {
		decider = &tui.Decider{Suspend: p.ReleaseTerminal, Resume: p.RestoreTerminal}
	}
	ctrl, err := a.controller(ctx, decider)
	if err != nil {
		return nil, err
	}

	viewDone := make(chan error, 1)
	go func() {
		_, err := p.Run()
		viewDone <- err
	}()

	st, runErr := drive(ctx, ctrl)

	// the view quits by itself once it sees the run finish
	var viewErr error
	select {
	case viewErr = <-viewDone:
	case <-time.After(viewGrace):
		p.Quit()
		viewErr = <-viewDone
	}
	if viewErr != nil {
		a.logger.Warn(ctx, "live view failed", zap.Error(viewErr))
	}
	return st, runErr
}

// printOutcome tells the user where the task ended up and how to go on.
func printOutcome(w io.Writer, st *checkpoint.TaskState, err error) {
	if st == nil {
		return
	}
	fmt.Fprintln(w, st.Summary())
	id := st.ShortID()
	switch {
	case err == nil:
		fmt.Fprintf(w, "Task %s completed.\n", id)
	case errors.Is(err, orchestrator.ErrCapReached):
		fmt.Fprintf(w, "Task %s stopped at the iteration cap and was saved. Continue with: routeloop resume %s\n", id, id)
	case errors.Is(err, orchestrator.ErrAbandoned):
		fmt.Fprintf(w, "Task %s was abandoned and archived.\n", id)
	case errors.Is(err, orchestrator.ErrNotResumable):
	case st.Status.Resumable():
		fmt.Fprintf(w, "Task %s is %s. Continue with: routeloop resume %s\n", id, st.Status, id)
	}
}
