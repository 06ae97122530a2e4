// Package scheduler orders the phases of a route and groups independent
// phases into waves that may run concurrently.
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/routeloop/internal/router"
)

// Node is one phase in the dependency graph.
type Node struct {
	Index     int
	Name      string
	DependsOn []int
	Iterative bool
}

// DAG is the phase dependency graph of a route.
type DAG struct {
	nodes      map[int]*Node
	dependents map[int][]int
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		nodes:      make(map[int]*Node),
		dependents: make(map[int][]int),
	}
}

// FromSpec builds the DAG of a route's phase table.
func FromSpec(spec router.RouteSpec) (*DAG, error) {
	d := NewDAG()
	for _, p := range spec.Phases {
		if err := d.AddPhase(Node{Index: p.Index, Name: p.Name, DependsOn: p.DependsOn, Iterative: p.Iterative}); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// AddPhase adds a node. Returns error if the index already exists.
func (d *DAG) AddPhase(n Node) error {
	if _, exists := d.nodes[n.Index]; exists {
		return fmt.Errorf("phase %d already exists", n.Index)
	}
	n.DependsOn = append([]int(nil), n.DependsOn...)
	d.nodes[n.Index] = &n

	for _, dep := range n.DependsOn {
		d.dependents[dep] = append(d.dependents[dep], n.Index)
	}
	return nil
}

// Len is the number of phases.
func (d *DAG) Len() int { return len(d.nodes) }

// Dependents returns the phases that depend directly on index.
func (d *DAG) Dependents(index int) []int {
	out := append([]int(nil), d.dependents[index]...)
	sort.Ints(out)
	return out
}

// Validate runs a topological sort and returns phase indices in a valid order.
// It fails on cycles and on dependencies that name a missing phase.
func (d *DAG) Validate() ([]int, error) {
	for _, idx := range d.indices() {
		for _, dep := range d.nodes[idx].DependsOn {
			if _, exists := d.nodes[dep]; !exists {
				return nil, fmt.Errorf("phase %d depends on non-existent phase %d", idx, dep)
			}
		}
	}

	var edges []toposort.Edge
	for _, idx := range d.indices() {
		n := d.nodes[idx]
		if len(n.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, idx})
			continue
		}
		for _, dep := range n.DependsOn {
			edges = append(edges, toposort.Edge{dep, idx})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("phase graph contains cycle: %w", err)
	}

	order := make([]int, 0, len(sorted))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(int))
		}
	}
	if len(order) != len(d.nodes) {
		found := make(map[int]bool, len(order))
		for _, idx := range order {
			found[idx] = true
		}
		var missing []string
		for _, idx := range d.indices() {
			if !found[idx] {
				missing = append(missing, fmt.Sprint(idx))
			}
		}
		return nil, fmt.Errorf("topological sort lost %d phases: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}

// Levels returns each phase's depth: roots are 0, every other phase is one
// more than its deepest dependency.
func (d *DAG) Levels() (map[int]int, error) {
	order, err := d.Validate()
	if err != nil {
		return nil, err
	}
	level := make(map[int]int, len(order))
	for _, idx := range order {
		l := 0
		for _, dep := range d.nodes[idx].DependsOn {
			l = max(l, level[dep]+1)
		}
		level[idx] = l
	}
	return level, nil
}

// Wave is a group of phases with no ordering constraint among them.
type Wave struct {
	Phases []int
}

// Contains reports whether index is a member of the wave.
func (w Wave) Contains(index int) bool {
	for _, p := range w.Phases {
		if p == index {
			return true
		}
	}
	return false
}

// Waves groups the phases into barriers. A wave is a run of consecutive
// indices at the same level; an iterative phase is always alone in its wave.
// Walking the waves in order visits every phase in increasing index order.
func (d *DAG) Waves() ([]Wave, error) {
	level, err := d.Levels()
	if err != nil {
		return nil, err
	}

	var waves []Wave
	var current []int
	flush := func() {
		if len(current) > 0 {
			waves = append(waves, Wave{Phases: current})
			current = nil
		}
	}
	for _, idx := range d.indices() {
		n := d.nodes[idx]
		switch {
		case n.Iterative:
			flush()
			waves = append(waves, Wave{Phases: []int{idx}})
		case len(current) > 0 && level[current[0]] != level[idx]:
			flush()
			current = []int{idx}
		default:
			current = append(current, idx)
		}
	}
	flush()
	return waves, nil
}

func (d *DAG) indices() []int {
	out := make([]int, 0, len(d.nodes))
	for idx := range d.nodes {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
