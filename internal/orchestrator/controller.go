// Package orchestrator drives a route's phases to a terminal state, saving a
// checkpoint after every transition so that any stop can be resumed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/routeloop/internal/checkpoint"
	"github.com/aristath/routeloop/internal/config"
	"github.com/aristath/routeloop/internal/events"
	"github.com/aristath/routeloop/internal/gateway"
	"github.com/aristath/routeloop/internal/logging"
	"github.com/aristath/routeloop/internal/metrics"
	"github.com/aristath/routeloop/internal/router"
	"github.com/aristath/routeloop/internal/scheduler"
)

// LoopState is a state of the loop state machine.
type LoopState string

const (
	StateIdle             LoopState = "idle"
	StatePhaseRunning     LoopState = "phase_running"
	StateIterationRunning LoopState = "iteration_running"
	StateCapReached       LoopState = "cap_reached"
	StateCompleted        LoopState = "completed"
	StateFailed           LoopState = "failed"
	StateAborted          LoopState = "aborted"
)

var (
	// ErrCapReached stops a run whose iterative phase hit the cap and was saved for later.
	ErrCapReached = errors.New("iteration cap reached")
	// ErrAborted is returned after a cancelled run has been saved.
	ErrAborted = errors.New("run aborted")
	// ErrAbandoned is an abort chosen at the cap. The task is archived.
	ErrAbandoned = fmt.Errorf("%w: abandoned at the iteration cap", ErrAborted)
	// ErrFailed wraps the error of the phase that failed the run.
	ErrFailed = errors.New("run failed")
	// ErrMarkerMissing fails a phase that must end with the completion marker.
	ErrMarkerMissing = errors.New("completion marker missing from output")
	// ErrNotResumable is returned when resuming a completed task.
	ErrNotResumable = errors.New("task is not resumable")
	// ErrQuarantined is returned with the CorruptState error once unverifiable
	// records have been moved aside so the task can be started again.
	ErrQuarantined = errors.New("checkpoint records quarantined")
)

// Checkpoints is the part of the checkpoint store the controller uses.
type Checkpoints interface {
	Save(ctx context.Context, state *checkpoint.TaskState) error
	Load(ctx context.Context, id string) (checkpoint.LoadResult, error)
	Archive(ctx context.Context, id string) (checkpoint.ArchivedRun, error)
	Quarantine(ctx context.Context, id string) (string, error)
}

// VCS is the version-control collaborator. Its failures never fail a run.
type VCS interface {
	// Prepare optionally stashes local changes, then checks out branch,
	// creating it if needed.
	Prepare(ctx context.Context, branch string, stash bool) error
	// Commit records all changes. It reports false when there was nothing to commit.
	Commit(ctx context.Context, message string) (bool, error)
}

// Options configures a Controller.
type Options struct {
	Config    *config.Config
	Invoker   gateway.Invoker
	Store     Checkpoints
	Decider   Decider
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	VCS       VCS
	Knowledge Knowledge
	WorkDir   string
	Now       func() time.Time
	NewID     func() string
}

// Controller is the loop controller. One controller may drive several runs,
// one after another.
type Controller struct {
	cfg       *config.Config
	invoker   gateway.Invoker
	store     Checkpoints
	decider   Decider
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *logging.Logger
	vcs       VCS
	knowledge Knowledge
	workDir   string
	now       func() time.Time
	newID     func() string
	policy    scheduler.Policy
}

// NewController validates opts and fills defaults.
func NewController(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, errors.New("controller needs a config")
	}
	if opts.Invoker == nil {
		return nil, errors.New("controller needs an invoker")
	}
	if opts.Store == nil {
		return nil, errors.New("controller needs a checkpoint store")
	}
	policy, err := scheduler.ParsePolicy(opts.Config.Parallel.Policy)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:       opts.Config,
		invoker:   opts.Invoker,
		store:     opts.Store,
		decider:   opts.Decider,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		vcs:       opts.VCS,
		knowledge: opts.Knowledge,
		workDir:   opts.WorkDir,
		now:       opts.Now,
		newID:     opts.NewID,
		policy:    policy,
	}
	if c.decider == nil {
		c.decider = PolicyDecider{}
	}
	if c.logger == nil {
		c.logger = logging.Nop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c, nil
}

// run is the per-execution context shared by the phase runners. id, route and
// spec never change during a run.
type run struct {
	st        *checkpoint.TaskState
	id        string
	route     router.Route
	spec      router.RouteSpec
	decisions *DecisionChannel
	knowledge string
}

// Start creates a fresh task for a routing decision and drives it to a
// terminal state or a saved stop. The returned state is the last one saved.
func (c *Controller) Start(ctx context.Context, description string, d router.Decision, parallel bool) (*checkpoint.TaskState, error) {
	st := checkpoint.NewTaskState(c.newID(), description, d.Route, d.Score, c.cfg.IterationCap, c.now().UTC())
	st.Parallel = parallel
	c.metrics.ObserveRoute(d.Route.String())
	return c.drive(ctx, st, false)
}

// Resume loads a saved task and continues it from its saved phase and
// iteration. Failed and aborted tasks may be resumed; completed ones may not.
func (c *Controller) Resume(ctx context.Context, id string) (*checkpoint.TaskState, error) {
	res, err := c.store.Load(ctx, id)
	if checkpoint.IsKind(err, checkpoint.CorruptState) {
		return nil, c.corrupt(ctx, id, err)
	}
	if err != nil {
		return nil, err
	}
	if res.FromBackup() {
		c.logger.Warn(logging.WithTaskID(ctx, id), "resuming from a backup record",
			zap.String("event", "checkpoint_fallback"), zap.String("source", res.Source))
	}
	st := res.State
	if !st.Status.Resumable() {
		return st, fmt.Errorf("%w: %s is %s", ErrNotResumable, id, st.Status)
	}
	st.Status = checkpoint.StatusInProgress
	return c.drive(ctx, st, true)
}

// corrupt asks the decider what to do with records that all failed
// verification. Nothing is ever repaired: the records are either left for
// inspection or quarantined whole. The CorruptState error is always returned.
func (c *Controller) corrupt(ctx context.Context, id string, loadErr error) error {
	ctx = logging.WithTaskID(ctx, id)
	c.logger.Error(ctx, "no checkpoint record could be verified", zap.String("event", "checkpoint_corrupt"), zap.Error(loadErr))

	choice, err := c.decider.Corrupt(ctx, CorruptInfo{TaskID: id, Err: loadErr})
	if err != nil {
		return errors.Join(loadErr, err)
	}
	if choice != CorruptStartFresh {
		return loadErr
	}
	dest, err := c.store.Quarantine(ctx, id)
	if err != nil {
		return errors.Join(loadErr, err)
	}
	return fmt.Errorf("%w: %w: moved to %s", ErrQuarantined, loadErr, dest)
}

func (c *Controller) drive(ctx context.Context, st *checkpoint.TaskState, resumed bool) (*checkpoint.TaskState, error) {
	ctx = logging.WithTaskID(ctx, st.ID)
	started := c.now()

	spec := router.Spec(st.Route)
	if len(spec.Phases) != len(st.Phases) {
		return st, fmt.Errorf("task %s has %d phase records, route %s has %d phases",
			st.ID, len(st.Phases), st.Route, len(spec.Phases))
	}
	dag, err := scheduler.FromSpec(spec)
	if err != nil {
		return st, err
	}
	waves, err := dag.Waves()
	if err != nil {
		return st, err
	}

	dctx, stop := context.WithCancel(ctx)
	decisions := NewDecisionChannel(max(1, c.cfg.Parallel.MaxConcurrency), c.decider)
	decisions.Start(dctx)
	defer func() {
		stop()
		decisions.Stop()
	}()

	r := &run{st: st, id: st.ID, route: st.Route, spec: spec, decisions: decisions}

	names := make([]string, len(spec.Phases))
	for i, p := range spec.Phases {
		names[i] = p.Name
	}
	c.bus.Publish(events.RunStartedEvent{
		ID:          st.ID,
		Description: st.Description,
		Route:       st.Route.String(),
		Phases:      names,
		Resumed:     resumed,
		Phase:       st.Phase,
		Iteration:   st.Iteration,
		Timestamp:   started,
	})
	c.logger.Info(ctx, "run started",
		zap.String("event", "run_started"),
		zap.String("route", st.Route.String()),
		zap.Bool("resumed", resumed),
		zap.Bool("parallel", st.Parallel),
		zap.Int("phase", st.Phase),
		zap.Int("iteration", st.Iteration),
	)

	r.knowledge = c.queryKnowledge(ctx, st.Description)
	c.prepareBranch(ctx, st)

	err = c.transition(ctx, st, StateIdle)
	if err == nil {
		err = c.runWaves(ctx, r, waves)
	}
	if err == nil {
		err = c.complete(ctx, r)
	}
	c.finish(ctx, st, started, err)
	return st, err
}

// complete marks the task done and moves it to history.
func (c *Controller) complete(ctx context.Context, r *run) error {
	st := r.st
	st.Status = checkpoint.StatusCompleted
	st.Phase = len(st.Phases)
	if err := c.transition(ctx, st, StateCompleted); err != nil {
		return err
	}
	if err := c.archive(ctx, st); err != nil {
		// The task is done; the record stays in the active slot with the
		// failure logged so list-checkpoints shows it and it can be moved by hand.
		msg := fmt.Sprintf("archive failed: %v", err)
		st.LogError(c.now().UTC(), len(st.Phases)-1, msg)
		c.bus.Publish(events.ArchiveFailedEvent{ID: st.ID, Err: err, Timestamp: c.now()})
		return c.save(ctx, st)
	}
	return nil
}

func (c *Controller) archive(ctx context.Context, st *checkpoint.TaskState) error {
	archived, err := c.store.Archive(context.WithoutCancel(ctx), st.ID)
	if err != nil {
		c.logger.Error(ctx, "archive failed", zap.String("event", "archive"), zap.Error(err))
		return err
	}
	c.logger.Info(ctx, "run archived", zap.String("event", "archive"), zap.String("path", archived.Path))
	return nil
}

func (c *Controller) finish(ctx context.Context, st *checkpoint.TaskState, started time.Time, err error) {
	d := c.now().Sub(started)
	c.bus.Publish(events.RunFinishedEvent{
		ID:        st.ID,
		Status:    string(st.Status),
		Err:       err,
		Duration:  d,
		Timestamp: c.now(),
	})
	fields := []zap.Field{
		zap.String("event", "run_finished"),
		zap.String("status", string(st.Status)),
		zap.Int("progress", st.Progress),
		zap.Int("iteration", st.Iteration),
		zap.Duration("duration", d),
	}
	if err != nil {
		c.logger.Warn(ctx, "run stopped", append(fields, zap.Error(err))...)
		return
	}
	c.logger.Info(ctx, "run finished", fields...)
}

// abortIfCancelled is the cooperative cancellation check made at every loop boundary.
func (c *Controller) abortIfCancelled(ctx context.Context, st *checkpoint.TaskState) error {
	if ctx.Err() == nil {
		return nil
	}
	return c.abort(ctx, st)
}

func (c *Controller) abort(ctx context.Context, st *checkpoint.TaskState) error {
	st.Status = checkpoint.StatusAborted
	if err := c.transition(ctx, st, StateAborted); err != nil {
		return err
	}
	return ErrAborted
}

// transition saves st and then announces the new state.
func (c *Controller) transition(ctx context.Context, st *checkpoint.TaskState, state LoopState) error {
	if err := c.save(ctx, st); err != nil {
		return err
	}
	c.metrics.ObserveTransition(string(state))
	c.bus.Publish(events.TransitionEvent{
		ID:        st.ID,
		State:     string(state),
		Phase:     st.Phase,
		Iteration: st.Iteration,
		Progress:  st.Progress,
		Timestamp: st.UpdatedAt,
	})
	c.logger.Debug(ctx, "transition",
		zap.String("event", "transition"),
		zap.String("state", string(state)),
		zap.Int("iteration", st.Iteration),
		zap.Int("progress", st.Progress),
	)
	return nil
}

// save persists st. It ignores cancellation of ctx: an aborted run must still
// be saved. The store bounds the write with its own I/O timeout.
func (c *Controller) save(ctx context.Context, st *checkpoint.TaskState) error {
	st.UpdatedAt = c.now().UTC()
	st.RecomputeProgress()
	if err := c.store.Save(context.WithoutCancel(ctx), st); err != nil {
		c.logger.Error(ctx, "checkpoint save failed", zap.String("event", "checkpoint"), zap.Error(err))
		return err
	}
	return nil
}

func (c *Controller) queryKnowledge(ctx context.Context, description string) string {
	if c.knowledge == nil {
		return ""
	}
	text, err := c.knowledge.Query(ctx, description)
	if err != nil {
		c.logger.Warn(ctx, "knowledge query failed", zap.String("event", "knowledge"), zap.Error(err))
		return ""
	}
	return text
}

func (c *Controller) prepareBranch(ctx context.Context, st *checkpoint.TaskState) {
	if !c.cfg.Git.Enabled || c.vcs == nil {
		return
	}
	if st.Branch == "" {
		st.Branch = c.cfg.Git.BranchPrefix + st.ShortID()
	}
	if err := c.vcs.Prepare(ctx, st.Branch, c.cfg.Git.Stash); err != nil {
		c.logger.Warn(ctx, "git prepare failed", zap.String("event", "git"), zap.String("branch", st.Branch), zap.Error(err))
	}
}

func (c *Controller) commitPhase(ctx context.Context, r *run, idx int) {
	if !c.cfg.Git.Enabled || !c.cfg.Git.CommitPhases || c.vcs == nil {
		return
	}
	msg := fmt.Sprintf("routeloop(%s): phase %d %s", r.route, idx, r.spec.Phases[idx].Name)
	committed, err := c.vcs.Commit(ctx, msg)
	switch {
	case err != nil:
		c.logger.Warn(ctx, "git commit failed", zap.String("event", "git"), zap.Error(err))
	case !committed:
		c.logger.Debug(ctx, "nothing to commit", zap.String("event", "git"))
	}
}
