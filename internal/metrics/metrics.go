// Package metrics exposes Prometheus collectors for invocations, loop
// transitions and routing decisions, and writes them to a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. Each instance owns its registry, so tests and
// multiple runs in one process never collide on registration.
//
// Metrics:
//   - routeloop_invocations_total{capability,outcome} - invocation attempts
//   - routeloop_invocation_duration_seconds{capability} - attempt latency
//   - routeloop_transitions_total{state} - loop state transitions
//   - routeloop_routes_total{route} - routing decisions
type Metrics struct {
	registry *prometheus.Registry

	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	TransitionsTotal   *prometheus.CounterVec
	RoutesTotal        *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		InvocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routeloop_invocations_total",
				Help: "Total number of agent invocation attempts",
			},
			[]string{"capability", "outcome"},
		),
		InvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routeloop_invocation_duration_seconds",
				Help:    "Duration of agent invocation attempts in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"capability"},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routeloop_transitions_total",
				Help: "Total number of loop controller state transitions",
			},
			[]string{"state"},
		),
		RoutesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routeloop_routes_total",
				Help: "Total number of routing decisions",
			},
			[]string{"route"},
		),
	}
}

// ObserveInvocation records one attempt.
func (m *Metrics) ObserveInvocation(capability, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(capability, outcome).Inc()
	m.InvocationDuration.WithLabelValues(capability).Observe(d.Seconds())
}

// ObserveTransition records a state change.
func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveRoute records a routing decision.
func (m *Metrics) ObserveRoute(route string) {
	if m == nil {
		return
	}
	m.RoutesTotal.WithLabelValues(route).Inc()
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes every collector in the text exposition format. The
// write goes through a temp file and rename, as node-exporter expects.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
