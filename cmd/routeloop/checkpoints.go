package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/routeloop/internal/checkpoint"
)

func listCheckpointsCmd(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list-checkpoints",
		Short: "List resumable tasks",
		Long: `List the tasks in the checkpoint directory that can be resumed, newest
first, with a summary of their saved state. Tasks whose records cannot be
verified are always shown.

Examples:
  routeloop list-checkpoints
  routeloop list-checkpoints --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			entries, err := a.store.List(ctx)
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), entries, all)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include tasks that cannot be resumed")
	return cmd
}

func printEntries(w io.Writer, entries []checkpoint.Entry, all bool) {
	shown := 0
	for _, e := range entries {
		switch {
		case e.Err != nil:
			fmt.Fprintf(w, "%s  UNVERIFIABLE  %v\n", checkpoint.ShortID(e.ID), e.Err)
		case !e.Resumable() && !all:
			continue
		default:
			line := e.State.Summary()
			if e.Source != checkpoint.SourceActive {
				line += fmt.Sprintf("  [from %s record]", e.Source)
			}
			fmt.Fprintln(w, line)
		}
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(w, "No resumable tasks.")
	}
}

func historyCmd(opts *rootOptions) *cobra.Command {
	var (
		limit int
		stats bool
	)

	cmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "List archived runs, or the agent invocations of one task",
		Long: `List archived runs, most recent first. With a task id, list every agent
invocation attempt recorded for that task instead.

Examples:
  routeloop history
  routeloop history --stats
  routeloop history 3f2a9c1e`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)
			w := cmd.OutOrStdout()

			if len(args) == 1 {
				if a.ledger == nil {
					return fmt.Errorf("the invocation log needs the ledger at %s", a.cfg.Ledger.Path)
				}
				id := args[0]
				if full, err := a.store.Resolve(id); err == nil {
					id = full
				} else if run, ok, _ := a.store.FindArchived(ctx, id); ok {
					id = run.ID
				}
				attempts, err := a.ledger.Invocations(ctx, id)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tPHASE\tCAPABILITY\tATTEMPT\tDURATION\tOUTCOME\tERROR")
				for _, at := range attempts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%v\t%s\t%s\n",
						at.At.Local().Format(time.DateTime), at.Phase, at.Capability, at.Number,
						at.Duration.Round(time.Millisecond), at.Outcome, at.Error)
				}
				return tw.Flush()
			}

			if stats {
				if a.ledger == nil {
					return fmt.Errorf("statistics need the ledger at %s", a.cfg.Ledger.Path)
				}
				rows, err := a.ledger.Stats(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "CAPABILITY\tATTEMPTS\tSUCCESSES\tAVG")
				for _, r := range rows {
					avg := time.Duration(r.AvgMillis * float64(time.Millisecond)).Round(time.Millisecond)
					fmt.Fprintf(tw, "%s\t%d\t%d\t%v\n", r.Capability, r.Attempts, r.Successes, avg)
				}
				return tw.Flush()
			}

			var runs []checkpoint.ArchivedRun
			if a.ledger != nil {
				runs, err = a.ledger.Runs(ctx, limit)
				if err != nil {
					a.logger.Warn(ctx, "reading the run catalog failed, scanning the history directory", zap.Error(err))
				}
			}
			if a.ledger == nil || err != nil {
				if runs, err = a.store.History(ctx); err != nil {
					return err
				}
				if limit > 0 && len(runs) > limit {
					runs = runs[:limit]
				}
			}
			printRuns(w, runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 for all)")
	cmd.Flags().BoolVar(&stats, "stats", false, "summarise invocation attempts per capability")
	return cmd
}

func printRuns(w io.Writer, runs []checkpoint.ArchivedRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No archived runs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ARCHIVED\tID\tSTATUS\tROUTE\tPROGRESS\tITER\tDESCRIPTION")
	for _, r := range runs {
		archived := "-"
		if !r.ArchivedAt.IsZero() {
			archived = r.ArchivedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%d\t%s\n",
			archived, checkpoint.ShortID(r.ID), r.Status, r.Route, r.Progress, r.Iterations, oneLine(r.Description, 60))
	}
	tw.Flush()
}

func oneLine(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\r' {
			r[i] = ' '
		}
	}
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return string(r)
}

func watchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Print a task's state each time its checkpoint changes",
		Long: `Follow a task from another terminal. A summary line is printed for every
verified checkpoint until the task reaches a terminal state, is archived, or
the command is interrupted.

Examples:
  routeloop watch 3f2a9c1e`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			id, err := resolveTask(ctx, a.store, args[0])
			if err != nil {
				return err
			}
			ctx, release := handleInterrupts(ctx, a.pm, cmd.ErrOrStderr(), func(int) {}, interruptSignals...)
			defer release()

			w := cmd.OutOrStdout()
			err = a.store.Watch(ctx, id, func(res checkpoint.LoadResult) {
				fmt.Fprintf(w, "%s  %s\n", time.Now().Format(time.TimeOnly), res.State.Summary())
			})
			if ctx.Err() != nil {
				// stopping a watch is not a failure
				return nil
			}
			return err
		},
	}
	return cmd
}
