package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/aristath/routeloop/internal/checkpoint"
	"github.com/aristath/routeloop/internal/config"
	"github.com/aristath/routeloop/internal/events"
	"github.com/aristath/routeloop/internal/gateway"
	"github.com/aristath/routeloop/internal/logging"
	"github.com/aristath/routeloop/internal/metrics"
	"github.com/aristath/routeloop/internal/router"
	"github.com/aristath/routeloop/internal/score"
)

const (
	testID     = "0123456789abcdef"
	testMarker = "<promise>COMPLETE</promise>"
)

// scriptedInvoker answers each call from respond, with n counting the calls
// made for that phase so far (1-based).
type scriptedInvoker struct {
	mu       sync.Mutex
	calls    []gateway.Call
	perPhase map[string]int
	respond  func(call gateway.Call, n int) (gateway.Output, error)
}

func newScriptedInvoker(respond func(call gateway.Call, n int) (gateway.Output, error)) *scriptedInvoker {
	return &scriptedInvoker{perPhase: make(map[string]int), respond: respond}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, call gateway.Call) (gateway.Output, error) {
	s.mu.Lock()
	s.perPhase[call.Phase]++
	n := s.perPhase[call.Phase]
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	if s.respond == nil {
		return gateway.Output{Text: call.Phase + " done", Attempts: 1}, nil
	}
	return s.respond(call, n)
}

func (s *scriptedInvoker) count(phase string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perPhase[phase]
}

func (s *scriptedInvoker) phases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Phase
	}
	return out
}

func (s *scriptedInvoker) callsFor(phase string) []gateway.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []gateway.Call
	for _, c := range s.calls {
		if c.Phase == phase {
			out = append(out, c)
		}
	}
	return out
}

// markerAt emits the completion marker from the named phase on its nth call.
func markerAt(phase string, nth int) func(gateway.Call, int) (gateway.Output, error) {
	return func(call gateway.Call, n int) (gateway.Output, error) {
		if call.Phase == phase && n >= nth {
			return gateway.Output{Text: "all stories done\n" + testMarker, Attempts: 1}, nil
		}
		return gateway.Output{Text: fmt.Sprintf("%s output %d", call.Phase, n), Attempts: 1}, nil
	}
}

func execErr(kind gateway.ErrorKind, capability router.Capability) error {
	return &gateway.ExecError{Kind: kind, Capability: string(capability), Attempts: 3, Err: errors.New("agent said no")}
}

// recordingDecider wraps a policy and records every question.
type recordingDecider struct {
	PolicyDecider
	mu        sync.Mutex
	caps      []CapInfo
	fallbacks []FallbackInfo
}

func (d *recordingDecider) CapReached(ctx context.Context, info CapInfo) (CapDecision, error) {
	d.mu.Lock()
	d.caps = append(d.caps, info)
	d.mu.Unlock()
	return d.PolicyDecider.CapReached(ctx, info)
}

func (d *recordingDecider) ConfirmFallback(ctx context.Context, info FallbackInfo) (bool, error) {
	d.mu.Lock()
	d.fallbacks = append(d.fallbacks, info)
	d.mu.Unlock()
	return d.PolicyDecider.ConfirmFallback(ctx, info)
}

type fakeVCS struct {
	mu         sync.Mutex
	branch     string
	stashed    bool
	messages   []string
	commitErr  error
	prepareErr error
}

func (v *fakeVCS) Prepare(_ context.Context, branch string, stash bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.branch, v.stashed = branch, stash
	return v.prepareErr
}

func (v *fakeVCS) Commit(_ context.Context, message string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.commitErr != nil {
		return false, v.commitErr
	}
	v.messages = append(v.messages, message)
	return true, nil
}

type fakeKnowledge struct {
	text string
	err  error
}

func (k fakeKnowledge) Query(context.Context, string) (string, error) { return k.text, k.err }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.IterationCap = 20
	cfg.CapExtension = 10
	cfg.CompletionMarker = testMarker
	cfg.Parallel.MaxConcurrency = 3
	return cfg
}

type harness struct {
	ctrl    *Controller
	store   *checkpoint.Store
	inv     *scriptedInvoker
	metrics *metrics.Metrics
	logger  *logging.TestLogger
}

func newHarness(t *testing.T, cfg *config.Config, inv *scriptedInvoker, mutate func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := checkpoint.NewStore(checkpoint.Options{
		Dir:        filepath.Join(root, "checkpoints"),
		HistoryDir: filepath.Join(root, "history"),
	})
	require.NoError(t, err)

	h := &harness{store: store, inv: inv, metrics: metrics.New(), logger: logging.NewTestLogger()}
	opts := Options{
		Config:  cfg,
		Invoker: inv,
		Store:   store,
		Metrics: h.metrics,
		Logger:  h.logger.Logger,
		NewID:   func() string { return testID },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.ctrl, err = NewController(opts)
	require.NoError(t, err)
	return h
}

// reuse builds a second controller on the same store, as a later process would.
func (h *harness) reuse(t *testing.T, cfg *config.Config, inv *scriptedInvoker, decider Decider) *Controller {
	t.Helper()
	ctrl, err := NewController(Options{Config: cfg, Invoker: inv, Store: h.store, Decider: decider})
	require.NoError(t, err)
	return ctrl
}

func decision(r router.Route) router.Decision {
	return router.Decision{Route: r}
}

func phaseStatuses(st *checkpoint.TaskState) []checkpoint.PhaseStatus {
	out := make([]checkpoint.PhaseStatus, len(st.Phases))
	for i, p := range st.Phases {
		out[i] = p.Status
	}
	return out
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	_, err := NewController(Options{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Parallel.Policy = "whenever"
	store, err := checkpoint.NewStore(checkpoint.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = NewController(Options{Config: cfg, Invoker: newScriptedInvoker(nil), Store: store})
	assert.ErrorContains(t, err, "unknown parallel policy")
}

func TestStart_LinearRouteCompletes(t *testing.T) {
	h := newHarness(t, testConfig(), newScriptedInvoker(nil), nil)

	st, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, 3, st.Phase)
	assert.Equal(t, []string{"plan", "implement", "review"}, h.inv.phases())
	assert.Equal(t, []checkpoint.PhaseStatus{checkpoint.PhaseCompleted, checkpoint.PhaseCompleted, checkpoint.PhaseCompleted}, phaseStatuses(st))

	calls := h.inv.calls
	assert.Equal(t, router.LocalAgent, calls[0].Capability)
	assert.Equal(t, router.CodeAgent, calls[1].Capability)
	assert.Equal(t, router.DesignAgent, calls[2].Capability)
	assert.Contains(t, calls[1].Prompt, "## Output of plan\nplan done")
	assert.Contains(t, calls[0].Prompt, "add a settings endpoint")
	assert.NotContains(t, calls[0].Prompt, testMarker)

	_, err = h.store.Load(context.Background(), testID)
	assert.True(t, checkpoint.IsKind(err, checkpoint.NotFound), "completed task should be archived, got %v", err)

	history, err := h.store.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, checkpoint.StatusCompleted, history[0].Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RoutesTotal.WithLabelValues("planned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TransitionsTotal.WithLabelValues("completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.TransitionsTotal.WithLabelValues("phase_running")))
	h.logger.AssertLogged(t, zapcore.InfoLevel, "run finished")
}

func TestIterativePhase_CompletesOnMarker(t *testing.T) {
	h := newHarness(t, testConfig(), newScriptedInvoker(markerAt("execute", 3)), nil)

	st, err := h.ctrl.Start(context.Background(), "refactor billing", decision(router.Ralph), false)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, 3, h.inv.count("execute"))
	assert.Equal(t, 3, st.Iteration)
	assert.Equal(t, []string{"plan", "cross-plan", "execute", "execute", "execute", "review", "verify"}, h.inv.phases())

	execCalls := h.inv.callsFor("execute")
	assert.Contains(t, execCalls[0].Prompt, "Iteration 1 of 20")
	assert.Contains(t, execCalls[2].Prompt, "Iteration 3 of 20")
	assert.Contains(t, execCalls[0].Prompt, testMarker, "iterative prompt must name the marker")
	assert.Contains(t, execCalls[1].Prompt, "## Output of execute (previous iteration)\nexecute output 1")
	assert.Contains(t, st.CompletedWork, "iteration 2: no completion marker")
}

func TestCapReached_AtExactlyTheCap(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("cap=%d", limit), func(t *testing.T) {
			cfg := testConfig()
			cfg.IterationCap = limit
			dec := &recordingDecider{PolicyDecider: PolicyDecider{OnCap: CapSaveExit}}
			h := newHarness(t, cfg, newScriptedInvoker(markerAt("execute", 1000)), func(o *Options) { o.Decider = dec })

			st, err := h.ctrl.Start(context.Background(), "refactor billing", decision(router.Ralph), false)
			require.ErrorIs(t, err, ErrCapReached)

			assert.Equal(t, limit, h.inv.count("execute"))
			require.Len(t, dec.caps, 1)
			assert.Equal(t, limit, dec.caps[0].Iterations)
			assert.Equal(t, limit, dec.caps[0].Cap)
			assert.Equal(t, "execute", dec.caps[0].Phase)

			loaded, err := h.store.Load(context.Background(), testID)
			require.NoError(t, err)
			assert.Equal(t, checkpoint.StatusInProgress, loaded.State.Status)
			assert.Equal(t, 2, loaded.State.Phase)
			assert.Equal(t, limit+1, loaded.State.Iteration)
			assert.Equal(t, st.Iteration, loaded.State.Iteration)
			assert.Equal(t, 0, h.inv.count("review"))
		})
	}
}

func TestCapReached_Extend(t *testing.T) {
	cfg := testConfig()
	cfg.IterationCap = 3
	cfg.CapExtension = 10
	h := newHarness(t, cfg, newScriptedInvoker(markerAt("execute", 5)), func(o *Options) {
		o.Decider = PolicyDecider{OnCap: CapExtend}
	})

	st, err := h.ctrl.Start(context.Background(), "refactor billing", decision(router.Ralph), false)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	assert.Equal(t, 13, st.IterationCap)
	assert.Equal(t, 5, st.Iteration)
	assert.Equal(t, 5, h.inv.count("execute"))
	assert.Contains(t, strings.Join(st.Notes, "\n"), "extended to 13")
}

func TestCapReached_Narrow(t *testing.T) {
	cfg := testConfig()
	cfg.IterationCap = 2
	narrow := narrowingDecider{scope: "only finish the invoice exporter"}
	h := newHarness(t, cfg, newScriptedInvoker(markerAt("execute", 3)), func(o *Options) { o.Decider = narrow })

	st, err := h.ctrl.Start(context.Background(), "refactor billing", decision(router.Ralph), false)
	require.NoError(t, err)

	assert.Equal(t, "only finish the invoice exporter", st.PendingWork)
	assert.Equal(t, 12, st.IterationCap)
	assert.Contains(t, h.inv.callsFor("execute")[2].Prompt, "## Remaining work\nonly finish the invoice exporter")
}

type narrowingDecider struct {
	PolicyDecider
	scope string
}

func (d narrowingDecider) CapReached(context.Context, CapInfo) (CapDecision, error) {
	return CapDecision{Choice: CapNarrow, Scope: d.scope}, nil
}

func TestCapReached_AbandonArchives(t *testing.T) {
	cfg := testConfig()
	cfg.IterationCap = 2
	h := newHarness(t, cfg, newScriptedInvoker(markerAt("execute", 1000)), func(o *Options) {
		o.Decider = PolicyDecider{OnCap: CapAbandon}
	})

	st, err := h.ctrl.Start(context.Background(), "refactor billing", decision(router.Ralph), false)
	require.ErrorIs(t, err, ErrAbandoned)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, checkpoint.StatusAborted, st.Status)

	_, err = h.store.Load(context.Background(), testID)
	assert.True(t, checkpoint.IsKind(err, checkpoint.NotFound))

	run, found, err := h.store.FindArchived(context.Background(), testID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, checkpoint.StatusAborted, run.Status)
}

func TestResume_AfterCapSaveAsksBeforeInvoking(t *testing.T) {
	cfg := testConfig()
	cfg.IterationCap = 2
	inv := newScriptedInvoker(markerAt("execute", 3))
	h := newHarness(t, cfg, inv, nil)

	_, err := h.ctrl.Start(context.Background(), "refactor billing", decision(router.Ralph), false)
	require.ErrorIs(t, err, ErrCapReached)
	require.Equal(t, 2, inv.count("execute"))

	dec := &recordingDecider{PolicyDecider: PolicyDecider{OnCap: CapExtend}}
	st, err := h.reuse(t, cfg, inv, dec).Resume(context.Background(), testID)
	require.NoError(t, err)

	require.Len(t, dec.caps, 1, "resume must decide before running another iteration")
	assert.Equal(t, 2, dec.caps[0].Iterations)
	assert.Equal(t, 3, inv.count("execute"))
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
}

func TestResume_ReRunsInFlightIteration(t *testing.T) {
	cfg := testConfig()
	inv := newScriptedInvoker(markerAt("execute", 1))
	h := newHarness(t, cfg, inv, nil)

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	st := checkpoint.NewTaskState(testID, "refactor billing", router.Ralph, score.Vector{}, 20, now)
	st.Phases[0].Status = checkpoint.PhaseCompleted
	st.Phases[0].Output = "the plan"
	st.Phases[1].Status = checkpoint.PhaseCompleted
	st.Phases[2].Status = checkpoint.PhaseRunning
	st.Phase = 2
	st.Iteration = 4
	require.NoError(t, h.store.Save(context.Background(), st))

	final, err := h.ctrl.Resume(context.Background(), testID)
	require.NoError(t, err)

	phases := inv.phases()
	require.NotEmpty(t, phases)
	assert.Equal(t, "execute", phases[0], "resume must not restart at phase 0")
	assert.Equal(t, 0, inv.count("plan"))
	assert.Equal(t, 0, inv.count("cross-plan"))
	assert.Contains(t, inv.callsFor("execute")[0].Prompt, "Iteration 4 of 20")
	assert.Contains(t, inv.callsFor("execute")[0].Prompt, "## Output of plan\nthe plan")
	assert.Equal(t, 4, final.Iteration)
	assert.Equal(t, checkpoint.StatusCompleted, final.Status)
}

// terminalView strips what legitimately differs between two executions.
type terminalView struct {
	Status        checkpoint.Status
	Phase         int
	Iteration     int
	IterationCap  int
	Progress      int
	CompletedWork string
	Phases        []checkpoint.PhaseRecord
}

func snapshot(st *checkpoint.TaskState) terminalView {
	c := terminalView{
		Status:        st.Status,
		Phase:         st.Phase,
		Iteration:     st.Iteration,
		IterationCap:  st.IterationCap,
		Progress:      st.Progress,
		CompletedWork: st.CompletedWork,
	}
	for _, p := range st.Phases {
		p.StartedAt, p.CompletedAt = nil, nil
		c.Phases = append(c.Phases, p)
	}
	return c
}

func TestResume_Idempotence(t *testing.T) {
	cfg := testConfig()

	straight := newHarness(t, cfg, newScriptedInvoker(markerAt("execute", 3)), nil)
	want, err := straight.ctrl.Start(context.Background(), "refactor billing", decision(router.Ralph), false)
	require.NoError(t, err)

	// same script, interrupted after the second execute call returns
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	script := markerAt("execute", 3)
	inv := newScriptedInvoker(func(call gateway.Call, n int) (gateway.Output, error) {
		if call.Phase == "execute" && n == 2 {
			cancel()
		}
		return script(call, n)
	})
	interrupted := newHarness(t, cfg, inv, nil)

	_, err = interrupted.ctrl.Start(ctx, "refactor billing", decision(router.Ralph), false)
	require.ErrorIs(t, err, ErrAborted)

	saved, err := interrupted.store.Load(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusAborted, saved.State.Status)
	assert.Equal(t, 2, saved.State.Phase)
	assert.Equal(t, 3, saved.State.Iteration)

	got, err := interrupted.reuse(t, cfg, inv, nil).Resume(context.Background(), testID)
	require.NoError(t, err)

	assert.Equal(t, snapshot(want), snapshot(got))
	assert.Equal(t, 3, inv.count("execute"))
}

func TestCancellation_SavesAbortedBeforeAnyPhase(t *testing.T) {
	inv := newScriptedInvoker(nil)
	h := newHarness(t, testConfig(), inv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := h.ctrl.Start(ctx, "add a settings endpoint", decision(router.Planned), false)
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, checkpoint.StatusAborted, st.Status)
	assert.Empty(t, inv.phases())

	loaded, err := h.store.Load(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusAborted, loaded.State.Status)

	resumed, err := h.ctrl.Resume(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, resumed.Status)
}

func TestCancellation_LetsRunningPhaseFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inv := newScriptedInvoker(func(call gateway.Call, n int) (gateway.Output, error) {
		if call.Phase == "plan" {
			cancel()
		}
		return gateway.Output{Text: call.Phase + " done", Attempts: 1}, nil
	})
	h := newHarness(t, testConfig(), inv, nil)

	st, err := h.ctrl.Start(ctx, "add a settings endpoint", decision(router.Planned), false)
	require.ErrorIs(t, err, ErrAborted)

	assert.Equal(t, []string{"plan"}, inv.phases())
	assert.Equal(t, checkpoint.PhaseCompleted, st.Phases[0].Status, "the phase in flight keeps its result")
	assert.Equal(t, 1, st.Phase)
	assert.Equal(t, 30, st.Progress)
}

func TestFailure_IsSavedAndResumable(t *testing.T) {
	broken := true
	inv := newScriptedInvoker(func(call gateway.Call, n int) (gateway.Output, error) {
		if call.Phase == "implement" && broken {
			return gateway.Output{}, execErr(gateway.Malformed, call.Capability)
		}
		return gateway.Output{Text: call.Phase + " done", Attempts: 1}, nil
	})
	h := newHarness(t, testConfig(), inv, nil)

	st, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
	require.ErrorIs(t, err, ErrFailed)
	assert.True(t, gateway.IsKind(err, gateway.Malformed))

	assert.Equal(t, checkpoint.StatusFailed, st.Status)
	assert.Equal(t, 1, st.Phase)
	assert.Equal(t, checkpoint.PhaseFailed, st.Phases[1].Status)
	assert.Equal(t, 3, st.Phases[1].Attempts)
	assert.Contains(t, st.Phases[1].Error, "agent said no")
	require.Len(t, st.ErrorLog, 1)
	assert.Equal(t, 1, st.ErrorLog[0].Phase)

	loaded, err := h.store.Load(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, loaded.State.Status)

	broken = false
	final, err := h.ctrl.Resume(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, final.Status)
	assert.Equal(t, 1, inv.count("plan"), "completed phases are not re-run")
	assert.Equal(t, 2, inv.count("implement"))
}

func TestResume_CompletedIsRejected(t *testing.T) {
	h := newHarness(t, testConfig(), newScriptedInvoker(nil), nil)

	st := checkpoint.NewTaskState(testID, "done already", router.DirectCode, score.Vector{}, 20, time.Now())
	st.Status = checkpoint.StatusCompleted
	require.NoError(t, h.store.Save(context.Background(), st))

	_, err := h.ctrl.Resume(context.Background(), testID)
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestFallback(t *testing.T) {
	fallbackCfg := func() *config.Config {
		cfg := testConfig()
		cfg.Fallback = []config.FallbackRule{{Route: "planned", Phase: "review", Capability: "local_agent"}}
		return cfg
	}
	failDesign := func(kind gateway.ErrorKind, alsoLocal bool) func(gateway.Call, int) (gateway.Output, error) {
		return func(call gateway.Call, n int) (gateway.Output, error) {
			if call.Phase == "review" && (call.Capability == router.DesignAgent || alsoLocal) {
				return gateway.Output{}, execErr(kind, call.Capability)
			}
			return gateway.Output{Text: call.Phase + " done via " + string(call.Capability), Attempts: 1}, nil
		}
	}

	t.Run("confirmed fallback completes the phase", func(t *testing.T) {
		dec := &recordingDecider{PolicyDecider: PolicyDecider{AllowFallback: true}}
		inv := newScriptedInvoker(failDesign(gateway.Exhausted, false))
		h := newHarness(t, fallbackCfg(), inv, func(o *Options) { o.Decider = dec })

		st, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
		require.NoError(t, err)

		require.Len(t, dec.fallbacks, 1)
		assert.Equal(t, router.DesignAgent, dec.fallbacks[0].From)
		assert.Equal(t, router.LocalAgent, dec.fallbacks[0].To)
		reviews := inv.callsFor("review")
		require.Len(t, reviews, 2)
		assert.Equal(t, router.LocalAgent, reviews[1].Capability)
		assert.Equal(t, reviews[0].Prompt, reviews[1].Prompt)
		assert.Equal(t, "local_agent", st.Phases[2].Capability)
		assert.Equal(t, 4, st.Phases[2].Attempts)
		assert.Contains(t, strings.Join(st.Notes, "\n"), "fell back from design_agent to local_agent")
	})

	t.Run("auth failure asks too", func(t *testing.T) {
		dec := &recordingDecider{PolicyDecider: PolicyDecider{AllowFallback: true}}
		h := newHarness(t, fallbackCfg(), newScriptedInvoker(failDesign(gateway.AuthOrQuota, false)), func(o *Options) { o.Decider = dec })

		_, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
		require.NoError(t, err)
		assert.Len(t, dec.fallbacks, 1)
	})

	t.Run("declined fallback fails the phase", func(t *testing.T) {
		dec := &recordingDecider{PolicyDecider: PolicyDecider{AllowFallback: false}}
		inv := newScriptedInvoker(failDesign(gateway.Exhausted, false))
		h := newHarness(t, fallbackCfg(), inv, func(o *Options) { o.Decider = dec })

		_, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
		require.ErrorIs(t, err, ErrFailed)
		assert.Len(t, dec.fallbacks, 1)
		assert.Len(t, inv.callsFor("review"), 1)
	})

	t.Run("malformed never falls back", func(t *testing.T) {
		dec := &recordingDecider{PolicyDecider: PolicyDecider{AllowFallback: true}}
		inv := newScriptedInvoker(failDesign(gateway.Malformed, false))
		h := newHarness(t, fallbackCfg(), inv, func(o *Options) { o.Decider = dec })

		_, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
		require.ErrorIs(t, err, ErrFailed)
		assert.Empty(t, dec.fallbacks)
		assert.Len(t, inv.callsFor("review"), 1)
	})

	t.Run("no rule means no question", func(t *testing.T) {
		dec := &recordingDecider{PolicyDecider: PolicyDecider{AllowFallback: true}}
		h := newHarness(t, testConfig(), newScriptedInvoker(failDesign(gateway.Exhausted, false)), func(o *Options) { o.Decider = dec })

		_, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
		require.ErrorIs(t, err, ErrFailed)
		assert.Empty(t, dec.fallbacks)
	})

	t.Run("failed fallback fails the phase", func(t *testing.T) {
		dec := &recordingDecider{PolicyDecider: PolicyDecider{AllowFallback: true}}
		inv := newScriptedInvoker(failDesign(gateway.Exhausted, true))
		h := newHarness(t, fallbackCfg(), inv, func(o *Options) { o.Decider = dec })

		st, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
		require.ErrorIs(t, err, ErrFailed)
		assert.Len(t, inv.callsFor("review"), 2)
		assert.Equal(t, checkpoint.PhaseFailed, st.Phases[2].Status)
	})
}

func TestGitCollaborator(t *testing.T) {
	cfg := testConfig()
	cfg.Git.Enabled = true
	cfg.Git.Stash = true
	cfg.Git.CommitPhases = true
	cfg.Git.BranchPrefix = "routeloop/"
	vcs := &fakeVCS{}
	h := newHarness(t, cfg, newScriptedInvoker(nil), func(o *Options) { o.VCS = vcs })

	st, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
	require.NoError(t, err)

	assert.Equal(t, "routeloop/01234567", vcs.branch)
	assert.Equal(t, "routeloop/01234567", st.Branch)
	assert.True(t, vcs.stashed)
	assert.Equal(t, []string{
		"routeloop(planned): phase 0 plan",
		"routeloop(planned): phase 1 implement",
		"routeloop(planned): phase 2 review",
	}, vcs.messages)
}

func TestGitFailuresNeverFailTheRun(t *testing.T) {
	cfg := testConfig()
	cfg.Git.Enabled = true
	cfg.Git.CommitPhases = true
	vcs := &fakeVCS{prepareErr: errors.New("not a git repository"), commitErr: errors.New("index locked")}
	h := newHarness(t, cfg, newScriptedInvoker(nil), func(o *Options) { o.VCS = vcs })

	st, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)
	h.logger.AssertLogged(t, zapcore.WarnLevel, "git commit failed")
	h.logger.AssertLogged(t, zapcore.WarnLevel, "git prepare failed")
}

func TestKnowledgeContext(t *testing.T) {
	t.Run("prepended to every prompt", func(t *testing.T) {
		inv := newScriptedInvoker(nil)
		h := newHarness(t, testConfig(), inv, func(o *Options) { o.Knowledge = fakeKnowledge{text: "billing lives in pkg/billing"} })

		_, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
		require.NoError(t, err)
		for _, c := range inv.calls {
			assert.True(t, strings.HasPrefix(c.Prompt, "## Project context\nbilling lives in pkg/billing\n"), c.Phase)
		}
	})

	t.Run("failure is ignored", func(t *testing.T) {
		inv := newScriptedInvoker(nil)
		h := newHarness(t, testConfig(), inv, func(o *Options) { o.Knowledge = fakeKnowledge{err: errors.New("notebook offline")} })

		st, err := h.ctrl.Start(context.Background(), "add a settings endpoint", decision(router.Planned), false)
		require.NoError(t, err)
		assert.Equal(t, checkpoint.StatusCompleted, st.Status)
		assert.False(t, strings.HasPrefix(inv.calls[0].Prompt, "## Project context"))
		h.logger.AssertLogged(t, zapcore.WarnLevel, "knowledge query failed")
	})
}

func TestOutputIsClipped(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.OutputLimit = 10
	inv := newScriptedInvoker(func(call gateway.Call, n int) (gateway.Output, error) {
		return gateway.Output{Text: strings.Repeat("x", 50) + "0123456789", Attempts: 1}, nil
	})
	h := newHarness(t, cfg, inv, nil)

	st, err := h.ctrl.Start(context.Background(), "fix the handler", decision(router.DirectCode), false)
	require.NoError(t, err)
	assert.Equal(t, "…0123456789", st.Phases[0].Output)
}

func TestEventsArePublished(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.SubscribeAll(256)

	h := newHarness(t, testConfig(), newScriptedInvoker(nil), func(o *Options) { o.Bus = bus })
	_, err := h.ctrl.Start(context.Background(), "fix the handler", decision(router.DirectCode), false)
	require.NoError(t, err)

	var types []string
	var states []string
drain:
	for {
		select {
		case ev := <-sub:
			types = append(types, ev.EventType())
			if tr, ok := ev.(events.TransitionEvent); ok {
				states = append(states, tr.State)
			}
		default:
			break drain
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, events.EventTypeRunStarted, types[0])
	assert.Equal(t, events.EventTypeRunFinished, types[len(types)-1])
	assert.Contains(t, types, events.EventTypePhaseOutput)
	assert.Equal(t, []string{"idle", "phase_running", "completed"}, states)
}

// failingArchive refuses to move tasks to history.
type failingArchive struct {
	*checkpoint.Store
}

func (failingArchive) Archive(context.Context, string) (checkpoint.ArchivedRun, error) {
	return checkpoint.ArchivedRun{}, errors.New("history directory is read-only")
}

func TestComplete_ArchiveFailureIsRecorded(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicRun, 64)

	var store *checkpoint.Store
	h := newHarness(t, testConfig(), newScriptedInvoker(nil), func(o *Options) {
		store = o.Store.(*checkpoint.Store)
		o.Store = failingArchive{store}
		o.Bus = bus
	})

	st, err := h.ctrl.Start(context.Background(), "fix the handler", decision(router.DirectCode), false)
	require.NoError(t, err, "the task itself completed")
	assert.Equal(t, checkpoint.StatusCompleted, st.Status)

	res, err := store.Load(context.Background(), testID)
	require.NoError(t, err, "the completed record stays in the active slot")
	assert.Equal(t, checkpoint.StatusCompleted, res.State.Status)
	require.NotEmpty(t, res.State.ErrorLog)
	assert.Contains(t, res.State.ErrorLog[len(res.State.ErrorLog)-1].Message, "archive failed: history directory is read-only")

	var archiveFailed bool
drain:
	for {
		select {
		case ev := <-sub:
			if _, ok := ev.(events.ArchiveFailedEvent); ok {
				archiveFailed = true
			}
		default:
			break drain
		}
	}
	assert.True(t, archiveFailed, "an archive failure event is published")
}

func TestClipOutput(t *testing.T) {
	assert.Equal(t, "short", clipOutput("short", 10))
	assert.Equal(t, "unlimited", clipOutput("unlimited", 0))
	assert.Equal(t, "…é", clipOutput("aé", 2), "never splits a rune")
}

func saveCorrupt(t *testing.T, h *harness) {
	t.Helper()
	st := checkpoint.NewTaskState(testID, "refactor billing", router.Ralph, score.Vector{}, 20, time.Now().UTC())
	require.NoError(t, h.store.Save(context.Background(), st))
	digest := filepath.Join(h.store.TaskDir(testID), "checkpoint.json.sha256")
	require.NoError(t, os.WriteFile(digest, []byte("deadbeef\n"), 0644))
}

func TestResume_CorruptInspectLeavesRecords(t *testing.T) {
	inv := newScriptedInvoker(nil)
	h := newHarness(t, testConfig(), inv, nil)
	saveCorrupt(t, h)

	_, err := h.ctrl.Resume(context.Background(), testID)
	require.Error(t, err)
	assert.True(t, checkpoint.IsKind(err, checkpoint.CorruptState))
	assert.NotErrorIs(t, err, ErrQuarantined)
	assert.DirExists(t, h.store.TaskDir(testID))
	assert.Zero(t, len(inv.phases()))
	h.logger.AssertLogged(t, zapcore.ErrorLevel, "no checkpoint record could be verified")
}

func TestResume_CorruptStartFreshQuarantines(t *testing.T) {
	inv := newScriptedInvoker(nil)
	h := newHarness(t, testConfig(), inv, func(o *Options) {
		o.Decider = PolicyDecider{OnCorrupt: CorruptStartFresh}
	})
	saveCorrupt(t, h)

	_, err := h.ctrl.Resume(context.Background(), testID)
	require.ErrorIs(t, err, ErrQuarantined)
	assert.True(t, checkpoint.IsKind(err, checkpoint.CorruptState))
	assert.NoDirExists(t, h.store.TaskDir(testID))
	assert.Zero(t, len(inv.phases()))
}
