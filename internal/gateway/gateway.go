// Package gateway invokes capability-tagged agents with a timeout, a bounded
// retry policy, a circuit breaker and a rate limit, and classifies failures.
//
// The gateway never chooses a different capability on failure. Fallback is the
// caller's decision.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aristath/routeloop/internal/backend"
	"github.com/aristath/routeloop/internal/config"
	"github.com/aristath/routeloop/internal/logging"
	"github.com/aristath/routeloop/internal/router"
)

// Call is one logical invocation. It may take several attempts.
type Call struct {
	Capability router.Capability
	Prompt     string
	Phase      string
	WorkDir    string
	// Timeout bounds each attempt. Zero uses the capability or gateway default.
	Timeout time.Duration
}

// Output is a successful invocation's result.
type Output struct {
	Text      string
	SessionID string
	Attempts  int
	Duration  time.Duration
}

// Attempt is one entry of the append-only invocation log.
type Attempt struct {
	At         time.Time
	TaskID     string
	Phase      string
	Capability string
	Number     int
	Duration   time.Duration
	Outcome    string
	ExitCode   int
	Error      string
}

// Recorder persists attempts. Failures to record are logged and ignored.
type Recorder interface {
	RecordInvocation(ctx context.Context, a Attempt) error
}

// Observer receives per-attempt measurements, typically Prometheus collectors.
type Observer interface {
	ObserveInvocation(capability, outcome string, d time.Duration)
}

// Invoker is what the loop controller depends on.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (Output, error)
}

// Options configures a Gateway.
type Options struct {
	Backends map[router.Capability]backend.Backend
	// Timeouts overrides the per-attempt timeout for individual capabilities.
	Timeouts map[router.Capability]time.Duration
	Retry    config.RetryConfig
	Breaker  config.BreakerConfig
	Gateway  config.GatewayConfig
	Logger   *logging.Logger
	Recorder Recorder
	Observer Observer
	Now      func() time.Time
}

// Gateway is the ExecutorGateway. It is safe for concurrent use.
type Gateway struct {
	backends map[router.Capability]backend.Backend
	timeouts map[router.Capability]time.Duration
	retry    config.RetryConfig
	timeout  time.Duration
	breakers *breakerRegistry
	limiters *limiterRegistry
	logger   *logging.Logger
	recorder Recorder
	observer Observer
	now      func() time.Time
}

// New creates a gateway over the given backends.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retry := opts.Retry
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Gateway{
		backends: opts.Backends,
		timeouts: opts.Timeouts,
		retry:    retry,
		timeout:  opts.Gateway.Timeout.Duration(),
		breakers: newBreakerRegistry(opts.Breaker, logger),
		limiters: newLimiterRegistry(opts.Gateway.RatePerMinute),
		logger:   logger.Named("gateway"),
		recorder: opts.Recorder,
		observer: opts.Observer,
		now:      now,
	}
}

// Invoke runs the call through the capability's circuit breaker and retry
// policy. Transient failures are retried up to the configured number of
// attempts and then reported as Exhausted; AuthOrQuota and Malformed failures
// return after the first attempt. Cancellation of ctx is returned unwrapped
// from any ExecError so callers can tell it apart from agent failures.
func (g *Gateway) Invoke(ctx context.Context, call Call) (Output, error) {
	be, ok := g.backends[call.Capability]
	if !ok {
		return Output{}, &ExecError{Kind: Malformed, Capability: string(call.Capability),
			Err: fmt.Errorf("%w: %s", ErrUnknownCapability, call.Capability)}
	}
	ctx = logging.WithCapability(ctx, string(call.Capability))

	start := g.now()
	cb := g.breakers.get(string(call.Capability))
	res, err := cb.Execute(func() (interface{}, error) {
		return g.invokeWithRetry(ctx, be, call)
	})
	if err != nil {
		if isOpenCircuit(err) {
			g.logger.Warn(ctx, "circuit open, invocation refused", zap.String("event", "breaker_open"))
			return Output{}, &ExecError{Kind: Exhausted, Capability: string(call.Capability), Err: err}
		}
		return Output{}, err
	}
	out := res.(Output)
	out.Duration = g.now().Sub(start)
	return out, nil
}

func (g *Gateway) invokeWithRetry(ctx context.Context, be backend.Backend, call Call) (Output, error) {
	var out Output
	var lastKind ErrorKind
	attempt := 0
	limiter := g.limiters.get(string(call.Capability))

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeoutFor(call))
		defer cancel()

		began := g.now()
		resp, err := be.Send(attemptCtx, backend.Request{Prompt: call.Prompt, Phase: call.Phase, WorkDir: call.WorkDir})
		elapsed := g.now().Sub(began)

		if err != nil && ctx.Err() != nil {
			g.record(ctx, call, attempt, elapsed, "cancelled", err)
			return backoff.Permanent(ctx.Err())
		}

		var kind ErrorKind
		if err != nil {
			kind = classify(attemptCtx, err)
		}
		g.record(ctx, call, attempt, elapsed, outcome(err, kind), err)
		if err == nil {
			out = Output{Text: resp.Content, SessionID: resp.SessionID, Attempts: attempt}
			return nil
		}

		lastKind = kind
		if kind != Transient {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		g.logger.Info(ctx, "retrying invocation",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.String("event", "retry"),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, newBackOff(ctx, g.retry), notify)
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Output{}, fmt.Errorf("invoke %s: %w", call.Capability, ctxErr)
	}
	if lastKind == Transient {
		lastKind = Exhausted
	}
	return Output{}, &ExecError{Kind: lastKind, Capability: string(call.Capability), Attempts: attempt, Err: err}
}

func (g *Gateway) timeoutFor(call Call) time.Duration {
	if call.Timeout > 0 {
		return call.Timeout
	}
	if d, ok := g.timeouts[call.Capability]; ok && d > 0 {
		return d
	}
	if g.timeout > 0 {
		return g.timeout
	}
	return 10 * time.Minute
}

func (g *Gateway) record(ctx context.Context, call Call, n int, d time.Duration, result string, err error) {
	a := Attempt{
		At:         g.now(),
		TaskID:     logging.TaskIDFromContext(ctx),
		Phase:      call.Phase,
		Capability: string(call.Capability),
		Number:     n,
		Duration:   d,
		Outcome:    result,
	}
	fields := []zap.Field{
		zap.String("event", "invoke_attempt"),
		zap.Int("attempt", n),
		zap.Duration("duration", d),
		zap.String("outcome", result),
	}
	if err != nil {
		a.Error = err.Error()
		a.ExitCode = -1
		var cmdErr *backend.CommandError
		if errors.As(err, &cmdErr) {
			a.ExitCode = cmdErr.ExitCode
		}
		fields = append(fields, zap.Int("exit_code", a.ExitCode), zap.Error(err))
		g.logger.Warn(ctx, "invocation attempt failed", fields...)
	} else {
		g.logger.Info(ctx, "invocation attempt succeeded", fields...)
	}

	if g.observer != nil {
		g.observer.ObserveInvocation(a.Capability, result, d)
	}
	if g.recorder != nil {
		if rerr := g.recorder.RecordInvocation(ctx, a); rerr != nil {
			g.logger.Warn(ctx, "failed to record invocation", zap.Error(rerr))
		}
	}
}
