package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/routeloop/internal/checkpoint"
	"github.com/aristath/routeloop/internal/events"
	"github.com/aristath/routeloop/internal/logging"
	"github.com/aristath/routeloop/internal/scheduler"
)

// runWaves walks the route wave by wave. Waves that lie entirely before the
// saved phase index are finished; inside the current wave only members that
// are not done run again.
func (c *Controller) runWaves(ctx context.Context, r *run, waves []scheduler.Wave) error {
	for n, w := range waves {
		if w.Phases[len(w.Phases)-1] < r.st.Phase {
			continue
		}
		pending := r.pending(w)
		if len(pending) == 0 {
			continue
		}

		var err error
		switch {
		case len(pending) == 1 && r.spec.Phases[pending[0]].Iterative:
			err = c.runIterative(ctx, r, pending[0])
		case len(w.Phases) > 1 && r.st.Parallel:
			err = c.runWave(ctx, r, n, w, pending)
		default:
			for _, idx := range pending {
				if err = c.runPhase(ctx, r, idx); err != nil {
					break
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// pending lists the wave's members that still need to run, in index order.
func (r *run) pending(w scheduler.Wave) []int {
	var out []int
	for _, idx := range w.Phases {
		if !r.st.Phases[idx].Status.Done() {
			out = append(out, idx)
		}
	}
	return out
}

// runWave executes the pending members of a wave concurrently, bounded by
// parallel.max_concurrency. Each member fills its own result; the results are
// merged into the task state only after every member has returned, and the
// parallel policy then decides whether the wave failed.
func (c *Controller) runWave(ctx context.Context, r *run, n int, w scheduler.Wave, pending []int) error {
	st := r.st
	if err := c.abortIfCancelled(ctx, st); err != nil {
		return err
	}

	st.Phase = pending[0]
	prompts := make([]string, len(pending))
	for k, idx := range pending {
		c.markRunning(st, idx)
		prompts[k] = c.prompt(r, r.spec.Phases[idx])
	}
	if err := c.transition(ctx, st, StatePhaseRunning); err != nil {
		return err
	}
	c.logger.Info(ctx, "wave started",
		zap.String("event", "wave_started"),
		zap.Int("wave", n),
		zap.Ints("phases", pending),
		zap.String("policy", c.policy.String()),
	)

	results := make([]phaseResult, len(pending))
	var completed, failed atomic.Int32

	var g errgroup.Group
	g.SetLimit(max(1, c.cfg.Parallel.MaxConcurrency))
	for k, idx := range pending {
		g.Go(func() error {
			spec := r.spec.Phases[idx]
			res := c.execute(logging.WithPhase(ctx, idx, spec.Name), r, spec, prompts[k], 0)
			results[k] = res
			if res.err != nil {
				failed.Add(1)
			} else {
				completed.Add(1)
			}
			c.bus.Publish(events.WaveProgressEvent{
				ID:        r.id,
				Wave:      n,
				Total:     len(pending),
				Completed: int(completed.Load()),
				Failed:    int(failed.Load()),
				Timestamp: c.now(),
			})
			// member failures are settled after the barrier, never by the group
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make([]scheduler.Outcome, len(results))
	var firstFailure *phaseResult
	for k, res := range results {
		c.apply(st, res)
		outcomes[k] = scheduler.Outcome{Index: res.index, Err: res.err}
		if res.err == nil {
			c.completePhase(st, res.index)
		} else if firstFailure == nil {
			firstFailure = &results[k]
		}
	}

	if c.policy.WaveFailed(outcomes) {
		return c.failOrAbort(ctx, st, *firstFailure)
	}
	if firstFailure != nil {
		st.Notes = append(st.Notes, fmt.Sprintf("wave %d continued after %d failed member(s)", n, failed.Load()))
		c.logger.Warn(ctx, "wave partially failed, continuing",
			zap.String("event", "wave_partial"),
			zap.Int("wave", n),
			zap.Int32("failed", failed.Load()),
		)
	}
	for _, res := range results {
		if st.Phases[res.index].Status == checkpoint.PhaseCompleted {
			c.commitPhase(ctx, r, res.index)
		}
	}
	st.Phase = w.Phases[len(w.Phases)-1] + 1
	return c.save(ctx, st)
}
