package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/aristath/routeloop/internal/orchestrator"
)

// Decider asks the user through huh forms. Questions arrive one at a time
// through the controller's decision channel.
//
// When a live view owns the terminal, Suspend and Resume hand it over for the
// duration of a form.
type Decider struct {
	Suspend func() error
	Resume  func() error
	// Accessible renders plain prompts, for screen readers and dumb terminals.
	Accessible bool
}

var _ orchestrator.Decider = (*Decider)(nil)

// CapReached asks how to continue an iterative phase that used up its cap.
func (d *Decider) CapReached(ctx context.Context, info orchestrator.CapInfo) (orchestrator.CapDecision, error) {
	choice := orchestrator.CapSaveExit
	var scope string

	err := d.run(ctx, huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Iteration cap reached").
				Description(capSummary(info)),
			huh.NewSelect[orchestrator.CapChoice]().
				Title("What now?").
				Options(capOptions(info)...).
				Value(&choice),
		),
		huh.NewGroup(
			huh.NewText().
				Title("Narrowed scope").
				Description("Only this remains to be done. It replaces the pending work.").
				Value(&scope).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("describe what is left to do")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return choice != orchestrator.CapNarrow }),
	))
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return orchestrator.CapDecision{Choice: orchestrator.CapSaveExit}, nil
		}
		return orchestrator.CapDecision{}, err
	}
	return orchestrator.CapDecision{Choice: choice, Scope: strings.TrimSpace(scope)}, nil
}

// ConfirmFallback asks whether a failed phase may run on another capability.
func (d *Decider) ConfirmFallback(ctx context.Context, info orchestrator.FallbackInfo) (bool, error) {
	var ok bool
	err := d.run(ctx, huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Phase %q failed on %s", info.Phase, info.From)).
			Description(fallbackSummary(info)).
			Affirmative(fmt.Sprintf("Run it on %s", info.To)).
			Negative("Fail the phase").
			Value(&ok),
	)))
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

// Corrupt asks what to do with a task whose records all failed verification.
func (d *Decider) Corrupt(ctx context.Context, info orchestrator.CorruptInfo) (orchestrator.CorruptChoice, error) {
	choice := orchestrator.CorruptInspect
	err := d.run(ctx, huh.NewForm(huh.NewGroup(
		huh.NewSelect[orchestrator.CorruptChoice]().
			Title(fmt.Sprintf("Checkpoint for %s cannot be verified", info.TaskID)).
			Description(fmt.Sprint(info.Err)).
			Options(
				huh.NewOption("Stop so I can inspect the files", orchestrator.CorruptInspect),
				huh.NewOption("Quarantine the records and start the task fresh", orchestrator.CorruptStartFresh),
			).
			Value(&choice),
	)))
	if errors.Is(err, huh.ErrUserAborted) {
		return orchestrator.CorruptInspect, nil
	}
	return choice, err
}

func (d *Decider) run(ctx context.Context, form *huh.Form) error {
	if d.Suspend != nil {
		if err := d.Suspend(); err != nil {
			return fmt.Errorf("releasing the terminal: %w", err)
		}
	}
	err := form.WithAccessible(d.Accessible).RunWithContext(ctx)
	if d.Resume != nil {
		if rerr := d.Resume(); rerr != nil && err == nil {
			err = fmt.Errorf("restoring the terminal: %w", rerr)
		}
	}
	return err
}

func capOptions(info orchestrator.CapInfo) []huh.Option[orchestrator.CapChoice] {
	return []huh.Option[orchestrator.CapChoice]{
		huh.NewOption("Save and exit (resume later)", orchestrator.CapSaveExit),
		huh.NewOption(fmt.Sprintf("Extend the cap by %d iterations", info.Extension), orchestrator.CapExtend),
		huh.NewOption(fmt.Sprintf("Narrow the scope and extend by %d", info.Extension), orchestrator.CapNarrow),
		huh.NewOption("Abandon the task", orchestrator.CapAbandon),
	}
}

func capSummary(info orchestrator.CapInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s phase %q ran %d of %d iterations without the completion marker.",
		info.Route, info.Phase, info.Iterations, info.Cap)
	if last := lastLines(info.LastOutput, 6); last != "" {
		fmt.Fprintf(&b, "\n\nLast output:\n%s", last)
	}
	return b.String()
}

func fallbackSummary(info orchestrator.FallbackInfo) string {
	return fmt.Sprintf("%s route, task %s.\nError: %v", info.Route, info.TaskID, info.Err)
}

// lastLines returns the final n non-empty lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return ""
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
