package router

import (
	"fmt"
	"strings"
)

// Route is the named execution pipeline chosen for a task.
type Route int

const (
	DirectText Route = iota
	DirectCode
	Planned
	Ralph
	Architect
	UiFlow
)

var routeNames = map[Route]string{
	DirectText: "direct-text",
	DirectCode: "direct-code",
	Planned:    "planned",
	Ralph:      "ralph",
	Architect:  "architect",
	UiFlow:     "ui-flow",
}

// String returns the route's config/CLI name.
func (r Route) String() string {
	if name, ok := routeNames[r]; ok {
		return name
	}
	return fmt.Sprintf("route(%d)", int(r))
}

// MarshalText encodes the route by name.
func (r Route) MarshalText() ([]byte, error) {
	if _, ok := routeNames[r]; !ok {
		return nil, fmt.Errorf("unknown route %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a route name.
func (r *Route) UnmarshalText(text []byte) error {
	parsed, err := ParseRoute(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRoute resolves a route name (case-insensitive).
func ParseRoute(name string) (Route, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for r, n := range routeNames {
		if n == want {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown route %q", name)
}

// AllRoutes lists every route in declaration order.
func AllRoutes() []Route {
	return []Route{DirectText, DirectCode, Planned, Ralph, Architect, UiFlow}
}

// Capability identifies the class of external agent a phase needs.
type Capability string

const (
	LocalAgent  Capability = "local_agent"
	CodeAgent   Capability = "code_agent"
	DesignAgent Capability = "design_agent"
)

// Capabilities lists every capability.
func Capabilities() []Capability {
	return []Capability{LocalAgent, CodeAgent, DesignAgent}
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case LocalAgent, CodeAgent, DesignAgent:
		return true
	}
	return false
}

// PhaseSpec is the static description of one step of a route.
type PhaseSpec struct {
	Index          int
	Name           string
	Capability     Capability
	Percent        int
	Iterative      bool
	RequiresMarker bool
	DependsOn      []int
	Instruction    string
}

// RouteSpec is the static definition of a route.
type RouteSpec struct {
	Route     Route
	Phases    []PhaseSpec
	Criterion string
}

// Iterative reports whether any phase of the route loops.
func (s RouteSpec) Iterative() bool {
	for _, p := range s.Phases {
		if p.Iterative {
			return true
		}
	}
	return false
}

// Phase looks up a phase by name.
func (s RouteSpec) Phase(name string) (PhaseSpec, bool) {
	for _, p := range s.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseSpec{}, false
}

// seq builds a linear chain: each phase depends on the one before it.
func seq(phases ...PhaseSpec) []PhaseSpec {
	for i := range phases {
		phases[i].Index = i
		if phases[i].DependsOn == nil && i > 0 {
			phases[i].DependsOn = []int{i - 1}
		}
	}
	return phases
}

func loop(p PhaseSpec) PhaseSpec {
	p.Iterative = true
	p.RequiresMarker = true
	return p
}

var specs = map[Route]RouteSpec{
	DirectText: {
		Route:     DirectText,
		Criterion: "the text edit is applied",
		Phases: seq(
			PhaseSpec{Name: "execute", Capability: CodeAgent, Percent: 100,
				Instruction: "Apply the requested documentation or configuration change directly."},
		),
	},
	DirectCode: {
		Route:     DirectCode,
		Criterion: "the code change is applied",
		Phases: seq(
			PhaseSpec{Name: "execute", Capability: CodeAgent, Percent: 100,
				Instruction: "Implement the requested code change directly."},
		),
	},
	Planned: {
		Route:     Planned,
		Criterion: "plan implemented and reviewed",
		Phases: seq(
			PhaseSpec{Name: "plan", Capability: LocalAgent, Percent: 30,
				Instruction: "Write a step-by-step implementation plan. Do not change code."},
			PhaseSpec{Name: "implement", Capability: CodeAgent, Percent: 50,
				Instruction: "Implement the plan."},
			PhaseSpec{Name: "review", Capability: DesignAgent, Percent: 20,
				Instruction: "Review the implementation for correctness and list any defects."},
		),
	},
	Ralph: {
		Route:     Ralph,
		Criterion: "execution phase emits the completion marker, then review and verification pass",
		Phases: seq(
			PhaseSpec{Name: "plan", Capability: LocalAgent, Percent: 15,
				Instruction: "Analyse the task and write a detailed plan broken into stories."},
			PhaseSpec{Name: "cross-plan", Capability: CodeAgent, Percent: 10, DependsOn: []int{},
				Instruction: "Independently plan the task from the implementation side; call out risks."},
			loop(PhaseSpec{Name: "execute", Capability: CodeAgent, Percent: 50, DependsOn: []int{0, 1},
				Instruction: "Implement the next unfinished part of the plan."}),
			PhaseSpec{Name: "review", Capability: DesignAgent, Percent: 15,
				Instruction: "Review all changes made for this task and list defects."},
			PhaseSpec{Name: "verify", Capability: LocalAgent, Percent: 10,
				Instruction: "Arbitrate the review findings and verify the task is done."},
		),
	},
	Architect: {
		Route:     Architect,
		Criterion: "staged implementation emits the completion marker, then review and verification pass",
		Phases: seq(
			PhaseSpec{Name: "analysis", Capability: DesignAgent, Percent: 10,
				Instruction: "Analyse the existing architecture relevant to the task."},
			PhaseSpec{Name: "planning", Capability: CodeAgent, Percent: 10, DependsOn: []int{},
				Instruction: "Draft an implementation plan and module breakdown."},
			PhaseSpec{Name: "consensus", Capability: LocalAgent, Percent: 10, DependsOn: []int{0, 1},
				Instruction: "Reconcile the analysis and the plan into one agreed approach."},
			PhaseSpec{Name: "design", Capability: LocalAgent, Percent: 10,
				Instruction: "Write the architecture design and the staged delivery order."},
			loop(PhaseSpec{Name: "implement", Capability: CodeAgent, Percent: 40,
				Instruction: "Implement the next stage of the design."}),
			PhaseSpec{Name: "review", Capability: DesignAgent, Percent: 10,
				Instruction: "Review the implementation against the design."},
			PhaseSpec{Name: "verify", Capability: LocalAgent, Percent: 10,
				Instruction: "Verify the task end to end and summarise the outcome."},
		),
	},
	UiFlow: {
		Route:     UiFlow,
		Criterion: "UI designed, implemented and previewed",
		Phases: seq(
			PhaseSpec{Name: "design", Capability: DesignAgent, Percent: 30,
				Instruction: "Design the interface: layout, components, states."},
			PhaseSpec{Name: "implement", Capability: DesignAgent, Percent: 50,
				Instruction: "Implement the designed interface."},
			PhaseSpec{Name: "preview", Capability: LocalAgent, Percent: 20,
				Instruction: "Verify the UI renders and behaves as designed."},
		),
	},
}

// Spec returns the static definition of r. The returned value is a copy.
func Spec(r Route) RouteSpec {
	s, ok := specs[r]
	if !ok {
		return RouteSpec{Route: r}
	}
	phases := make([]PhaseSpec, len(s.Phases))
	for i, p := range s.Phases {
		p.DependsOn = append([]int(nil), p.DependsOn...)
		phases[i] = p
	}
	s.Phases = phases
	return s
}
