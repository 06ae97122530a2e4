// Package router maps a scored task description to an execution route.
package router

import (
	"fmt"

	"github.com/aristath/routeloop/internal/score"
)

// Thresholds are the inclusive upper bounds of the score bands.
// Valid thresholds satisfy 0 <= Direct < Planned < Ralph < Architect <= 100.
type Thresholds struct {
	Direct    int `koanf:"direct" yaml:"direct"`
	Planned   int `koanf:"planned" yaml:"planned"`
	Ralph     int `koanf:"ralph" yaml:"ralph"`
	Architect int `koanf:"architect" yaml:"architect"`
}

// DefaultThresholds returns 20/45/90/100.
func DefaultThresholds() Thresholds {
	return Thresholds{Direct: 20, Planned: 45, Ralph: 90, Architect: 100}
}

// Validate checks the strictly increasing invariant.
func (t Thresholds) Validate() error {
	if t.Direct < 0 || t.Architect > 100 {
		return fmt.Errorf("thresholds must lie in [0, 100] (direct=%d, architect=%d)", t.Direct, t.Architect)
	}
	if !(t.Direct < t.Planned && t.Planned < t.Ralph && t.Ralph < t.Architect) {
		return fmt.Errorf("thresholds must be strictly increasing: direct=%d planned=%d ralph=%d architect=%d",
			t.Direct, t.Planned, t.Ralph, t.Architect)
	}
	return nil
}

// Override forces a route regardless of score.
type Override int

const (
	NoOverride Override = iota
	ForceDirect
	ForceDeep
)

// Request is the immutable routing input.
type Request struct {
	Description string
	Override    Override
	Parallel    *bool
	ResumeID    string
}

// Rule names the priority rule that selected a route.
type Rule string

const (
	RuleForceDirect  Rule = "force-direct"
	RuleForceDeep    Rule = "force-deep"
	RuleUI           Rule = "ui-signal"
	RuleTextSimple   Rule = "text-simple"
	RuleCodeSimple   Rule = "code-simple"
	RuleArchitect    Rule = "architect-band"
	RuleSuperComplex Rule = "super-complex-signal"
	RuleRalph        Rule = "ralph-band"
	RuleComplex      Rule = "complex-signal"
	RulePlanned      Rule = "planned"
)

// Decision is the router's output.
type Decision struct {
	Route    Route
	Rule     Rule
	Score    score.Vector
	Features score.Features
}

// minUIScore is the ui dimension needed before a UI signal routes to UiFlow.
const minUIScore = 2

// Select applies the routing priority order to precomputed features and score.
// It is a pure function of its inputs.
func Select(override Override, f score.Features, v score.Vector, t Thresholds) Decision {
	d := Decision{Score: v, Features: f}
	total := v.Total()

	switch {
	case override == ForceDirect:
		d.Route, d.Rule = DirectCode, RuleForceDirect
	case override == ForceDeep:
		d.Route, d.Rule = Ralph, RuleForceDeep
	case f.UISignal && v.UI >= minUIScore:
		d.Route, d.Rule = UiFlow, RuleUI
	case total <= t.Direct && f.TextSignal && !f.CodeSignal && f.Short:
		d.Route, d.Rule = DirectText, RuleTextSimple
	case total <= t.Direct:
		d.Route, d.Rule = DirectCode, RuleCodeSimple
	case total > t.Ralph:
		d.Route, d.Rule = Architect, RuleArchitect
	case f.SuperComplexSignal:
		d.Route, d.Rule = Architect, RuleSuperComplex
	case total > t.Planned:
		d.Route, d.Rule = Ralph, RuleRalph
	case f.ComplexSignal:
		d.Route, d.Rule = Ralph, RuleComplex
	default:
		d.Route, d.Rule = Planned, RulePlanned
	}
	return d
}

// Router extracts features from a description, scores them and selects a route.
type Router struct {
	signals    score.SignalSet
	weights    score.Weights
	thresholds Thresholds
}

// New creates a Router. Weights and thresholds are checked here once so
// routing itself cannot fail.
func New(signals score.SignalSet, weights score.Weights, thresholds Thresholds) (*Router, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Router{signals: signals, weights: weights, thresholds: thresholds}, nil
}

// Route decides the route for req.
func (r *Router) Route(req Request) Decision {
	f := r.signals.Extract(req.Description)
	return Select(req.Override, f, score.Score(f, r.weights), r.thresholds)
}

// Weights returns the weights the router scores with.
func (r *Router) Weights() score.Weights { return r.weights }

// Thresholds returns the configured score bands.
func (r *Router) Thresholds() Thresholds { return r.thresholds }
