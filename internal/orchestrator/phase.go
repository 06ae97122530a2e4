package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/aristath/routeloop/internal/checkpoint"
	"github.com/aristath/routeloop/internal/events"
	"github.com/aristath/routeloop/internal/gateway"
	"github.com/aristath/routeloop/internal/logging"
	"github.com/aristath/routeloop/internal/router"
)

// phaseResult is what one execution of a phase produced. Wave members each
// fill their own result; results are merged into the task state after the barrier.
type phaseResult struct {
	index      int
	name       string
	capability router.Capability
	output     string
	attempts   int
	marker     bool
	note       string
	err        error
}

// runPhase executes a linear phase once.
func (c *Controller) runPhase(ctx context.Context, r *run, idx int) error {
	st := r.st
	if err := c.abortIfCancelled(ctx, st); err != nil {
		return err
	}
	spec := r.spec.Phases[idx]
	ctx = logging.WithPhase(ctx, idx, spec.Name)

	st.Phase = idx
	c.markRunning(st, idx)
	if err := c.transition(ctx, st, StatePhaseRunning); err != nil {
		return err
	}

	res := c.execute(ctx, r, spec, c.prompt(r, spec), 0)
	c.apply(st, res)
	if res.err != nil {
		return c.failOrAbort(ctx, st, res)
	}
	c.completePhase(st, idx)
	c.commitPhase(ctx, r, idx)
	st.Phase = idx + 1
	return c.save(ctx, st)
}

// runIterative repeats an iterative phase until its output carries the
// completion marker. st.Iteration is the iteration about to run; it is saved
// before the executor is invoked, so a resumed task re-runs it.
func (c *Controller) runIterative(ctx context.Context, r *run, idx int) error {
	st := r.st
	spec := r.spec.Phases[idx]
	ctx = logging.WithPhase(ctx, idx, spec.Name)

	st.Phase = idx
	if st.Phases[idx].Status == checkpoint.PhasePending || st.Iteration < 1 {
		st.Iteration = 1
	}

	for {
		if err := c.abortIfCancelled(ctx, st); err != nil {
			return err
		}
		if st.Iteration > st.IterationCap {
			if err := c.capReached(ctx, r, idx); err != nil {
				return err
			}
			continue
		}

		c.markRunning(st, idx)
		if err := c.transition(ctx, st, StateIterationRunning); err != nil {
			return err
		}

		res := c.execute(ctx, r, spec, c.prompt(r, spec), st.Iteration)
		c.apply(st, res)
		if res.err != nil {
			return c.failOrAbort(ctx, st, res)
		}
		if res.marker {
			c.completePhase(st, idx)
			c.commitPhase(ctx, r, idx)
			st.Phase = idx + 1
			return c.save(ctx, st)
		}

		st.CompletedWork = appendLine(st.CompletedWork,
			fmt.Sprintf("- phase %d %s iteration %d: no completion marker", idx, spec.Name, st.Iteration))
		st.Iteration++
		if err := c.save(ctx, st); err != nil {
			return err
		}
	}
}

// capReached asks the decider how to continue once the cap is used up. A nil
// return means the loop may run another iteration.
func (c *Controller) capReached(ctx context.Context, r *run, idx int) error {
	st := r.st
	if err := c.transition(ctx, st, StateCapReached); err != nil {
		return err
	}
	executed := st.Iteration - 1
	c.logger.Warn(ctx, "iteration cap reached",
		zap.String("event", "cap_reached"),
		zap.Int("iterations", executed),
		zap.Int("cap", st.IterationCap),
	)

	dec, err := r.decisions.CapReached(ctx, CapInfo{
		TaskID:     r.id,
		Route:      r.route,
		Phase:      r.spec.Phases[idx].Name,
		Iterations: executed,
		Cap:        st.IterationCap,
		Extension:  c.cfg.CapExtension,
		LastOutput: st.Phases[idx].Output,
	})
	if err != nil {
		if ctx.Err() != nil {
			return c.abort(ctx, st)
		}
		return fmt.Errorf("%w: %w", ErrCapReached, err)
	}

	c.logger.Info(ctx, "cap decision", zap.String("event", "cap_decision"), zap.String("choice", dec.Choice.String()))
	switch dec.Choice {
	case CapExtend:
		st.IterationCap += c.cfg.CapExtension
		st.Notes = append(st.Notes, fmt.Sprintf("iteration cap extended to %d", st.IterationCap))
	case CapNarrow:
		if scope := strings.TrimSpace(dec.Scope); scope != "" {
			st.PendingWork = scope
		}
		st.IterationCap += c.cfg.CapExtension
		st.Notes = append(st.Notes, fmt.Sprintf("scope narrowed, iteration cap extended to %d", st.IterationCap))
	case CapAbandon:
		rec := &st.Phases[idx]
		rec.Status = checkpoint.PhaseFailed
		rec.Error = "abandoned at the iteration cap"
		st.Status = checkpoint.StatusAborted
		if err := c.transition(ctx, st, StateAborted); err != nil {
			return err
		}
		if err := c.archive(ctx, st); err != nil {
			return fmt.Errorf("%w (archive failed: %v)", ErrAbandoned, err)
		}
		return ErrAbandoned
	default:
		return ErrCapReached
	}
	return c.save(ctx, st)
}

// execute invokes the phase's capability and, when a rule allows it and the
// decider confirms, its fallback capability. It only reads immutable run data,
// so wave members may call it concurrently.
func (c *Controller) execute(ctx context.Context, r *run, spec router.PhaseSpec, prompt string, iteration int) phaseResult {
	res := phaseResult{index: spec.Index, name: spec.Name, capability: spec.Capability}
	start := c.now()
	c.bus.Publish(events.PhaseStartedEvent{
		ID:         r.id,
		Index:      spec.Index,
		Name:       spec.Name,
		Capability: string(spec.Capability),
		Iteration:  iteration,
		Timestamp:  start,
	})

	out, err := c.invoke(ctx, spec.Capability, spec.Name, prompt)
	res.attempts = attemptsOf(out, err)

	if err != nil {
		if to, ok := c.fallbackTarget(r, spec, err); ok {
			confirmed, derr := r.decisions.ConfirmFallback(ctx, FallbackInfo{
				TaskID: r.id,
				Route:  r.route,
				Phase:  spec.Name,
				From:   spec.Capability,
				To:     to,
				Err:    err,
			})
			switch {
			case derr != nil:
				c.logger.Warn(ctx, "fallback decision failed", zap.String("event", "fallback"), zap.Error(derr))
			case confirmed:
				c.logger.Info(ctx, "falling back to another capability",
					zap.String("event", "fallback"), zap.String("from", string(spec.Capability)), zap.String("to", string(to)))
				res.capability = to
				res.note = fmt.Sprintf("phase %d %s fell back from %s to %s after: %v", spec.Index, spec.Name, spec.Capability, to, err)
				out, err = c.invoke(ctx, to, spec.Name, prompt)
				res.attempts += attemptsOf(out, err)
			default:
				c.logger.Info(ctx, "fallback declined", zap.String("event", "fallback"), zap.String("to", string(to)))
			}
		}
	}

	finished := events.PhaseFinishedEvent{
		ID:        r.id,
		Index:     spec.Index,
		Name:      spec.Name,
		Iteration: iteration,
		Duration:  c.now().Sub(start),
		Timestamp: c.now(),
	}
	if err != nil {
		res.err = err
		finished.Status, finished.Err = string(checkpoint.PhaseFailed), err
		c.bus.Publish(finished)
		return res
	}

	res.output = out.Text
	res.marker = c.cfg.CompletionMarker != "" && strings.Contains(out.Text, c.cfg.CompletionMarker)
	if spec.RequiresMarker && !spec.Iterative && !res.marker {
		res.err = ErrMarkerMissing
	}

	c.bus.Publish(events.PhaseOutputEvent{ID: r.id, Index: spec.Index, Text: out.Text, Timestamp: c.now()})
	finished.MarkerFound = res.marker
	switch {
	case res.err != nil:
		finished.Status, finished.Err = string(checkpoint.PhaseFailed), res.err
	case spec.Iterative && !res.marker:
		finished.Status = string(checkpoint.PhaseRunning)
	default:
		finished.Status = string(checkpoint.PhaseCompleted)
	}
	c.bus.Publish(finished)
	return res
}

// invoke detaches the call from cancellation: a cancelled run lets the
// current subprocess finish and stops at the next boundary.
func (c *Controller) invoke(ctx context.Context, capability router.Capability, phase, prompt string) (gateway.Output, error) {
	return c.invoker.Invoke(context.WithoutCancel(ctx), gateway.Call{
		Capability: capability,
		Prompt:     prompt,
		Phase:      phase,
		WorkDir:    c.workDir,
	})
}

// fallbackTarget returns the capability a failed phase may be retried on.
// Only exhausted and auth/quota failures qualify.
func (c *Controller) fallbackTarget(r *run, spec router.PhaseSpec, err error) (router.Capability, bool) {
	kind, ok := gateway.KindOf(err)
	if !ok || (kind != gateway.Exhausted && kind != gateway.AuthOrQuota) {
		return "", false
	}
	to, ok := c.cfg.FallbackFor(r.route, spec.Name)
	if !ok || to == spec.Capability {
		return "", false
	}
	return to, true
}

func attemptsOf(out gateway.Output, err error) int {
	var ee *gateway.ExecError
	if errors.As(err, &ee) && ee.Attempts > 0 {
		return ee.Attempts
	}
	if err == nil && out.Attempts > 0 {
		return out.Attempts
	}
	return 1
}

func (c *Controller) markRunning(st *checkpoint.TaskState, idx int) {
	rec := &st.Phases[idx]
	rec.Status = checkpoint.PhaseRunning
	rec.Error = ""
	if rec.StartedAt == nil {
		t := c.now().UTC()
		rec.StartedAt = &t
	}
}

// apply merges a result into its phase sub-record. A failed result marks the
// sub-record failed; a successful one leaves the status to the caller.
func (c *Controller) apply(st *checkpoint.TaskState, res phaseResult) {
	rec := &st.Phases[res.index]
	rec.Attempts += res.attempts
	rec.Capability = string(res.capability)
	if res.note != "" {
		st.Notes = append(st.Notes, res.note)
	}
	if res.output != "" {
		rec.Output = clipOutput(res.output, c.cfg.Gateway.OutputLimit)
	}
	if res.err != nil {
		rec.Status = checkpoint.PhaseFailed
		rec.Error = res.err.Error()
		st.LogError(c.now().UTC(), res.index, fmt.Sprintf("phase %s: %v", res.name, res.err))
	}
}

func (c *Controller) completePhase(st *checkpoint.TaskState, idx int) {
	rec := &st.Phases[idx]
	t := c.now().UTC()
	rec.Status = checkpoint.PhaseCompleted
	rec.CompletedAt = &t
	rec.Error = ""
	st.CompletedWork = appendLine(st.CompletedWork,
		fmt.Sprintf("- phase %d %s completed (%s)", idx, rec.Name, rec.Capability))
}

// failOrAbort settles a failed execution. A failure seen after cancellation
// is an abort, so the task stays resumable as aborted.
func (c *Controller) failOrAbort(ctx context.Context, st *checkpoint.TaskState, res phaseResult) error {
	if ctx.Err() != nil {
		return c.abort(ctx, st)
	}
	st.Status = checkpoint.StatusFailed
	if err := c.transition(ctx, st, StateFailed); err != nil {
		return err
	}
	return fmt.Errorf("%w: phase %d %s: %w", ErrFailed, res.index, res.name, res.err)
}

// prompt composes the prompt for the next execution of spec from the current state.
func (c *Controller) prompt(r *run, spec router.PhaseSpec) string {
	st := r.st
	in := promptInput{
		Knowledge:   r.knowledge,
		Description: st.Description,
		Route:       r.route.String(),
		Criterion:   r.spec.Criterion,
		Phase:       spec,
		PhaseCount:  len(r.spec.Phases),
		Iteration:   st.Iteration,
		Cap:         st.IterationCap,
		Pending:     st.PendingWork,
		Completed:   st.CompletedWork,
		Marker:      c.cfg.CompletionMarker,
	}
	for _, dep := range spec.DependsOn {
		if rec := st.Phases[dep]; rec.Output != "" {
			in.Context = append(in.Context, priorOutput{Name: rec.Name, Output: rec.Output})
		}
	}
	if rec := st.Phases[spec.Index]; spec.Iterative && st.Iteration > 1 && rec.Output != "" {
		in.Context = append(in.Context, priorOutput{Name: spec.Name + " (previous iteration)", Output: rec.Output})
	}
	return composePrompt(in)
}

// clipOutput keeps the last limit bytes of s, on a rune boundary.
func clipOutput(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "…" + s[cut:]
}

func appendLine(block, line string) string {
	if block == "" {
		return line
	}
	return block + "\n" + line
}
