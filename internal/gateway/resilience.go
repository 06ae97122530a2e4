package gateway

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aristath/routeloop/internal/config"
	"github.com/aristath/routeloop/internal/logging"
)

// newBackOff builds the retry schedule: initial * multiplier^k capped at the
// max delay, randomised by jitter, stopping after maxAttempts calls in total.
func newBackOff(ctx context.Context, cfg config.RetryConfig) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialDelay.Duration()
	policy.MaxInterval = cfg.MaxDelay.Duration()
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.Jitter
	policy.MaxElapsedTime = 0 // bounded by attempts, not wall time

	retries := cfg.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)
}

// breakerRegistry manages per-capability circuit breakers.
type breakerRegistry struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	logger   *logging.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(cfg config.BreakerConfig, logger *logging.Logger) *breakerRegistry {
	return &breakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// get returns the circuit breaker for the capability, creating it on first use.
func (r *breakerRegistry) get(capability string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[capability]; ok {
		return cb
	}

	threshold := uint32(r.cfg.ConsecutiveFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        capability,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     r.cfg.OpenTimeout.Duration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn(context.Background(), "circuit breaker state change",
				zap.String("capability", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
				zap.String("event", "breaker"))
		},
		// Only exhausted invocations count against the circuit. Cancellation,
		// auth and malformed requests say nothing about the agent's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsKind(err, Exhausted)
		},
	})

	r.breakers[capability] = cb
	return cb
}

func isOpenCircuit(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// limiterRegistry hands out one token bucket per capability.
type limiterRegistry struct {
	mu       sync.Mutex
	limit    rate.Limit
	limiters map[string]*rate.Limiter
}

func newLimiterRegistry(perMinute int) *limiterRegistry {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / time.Minute.Seconds())
	}
	return &limiterRegistry{limit: limit, limiters: make(map[string]*rate.Limiter)}
}

func (r *limiterRegistry) get(capability string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[capability]; ok {
		return l
	}
	burst := 1
	if r.limit == rate.Inf {
		burst = math.MaxInt32
	}
	l := rate.NewLimiter(r.limit, burst)
	r.limiters[capability] = l
	return l
}
