package scheduler

import (
	"strings"
	"testing"

	"github.com/aristath/routeloop/internal/router"
)

// TestDAGValidate tests DAG validation with various graph structures.
func TestDAGValidate(t *testing.T) {
	tests := []struct {
		name        string
		nodes       []Node
		wantErr     bool
		errContains string
	}{
		{
			name:  "valid linear chain",
			nodes: []Node{{Index: 0}, {Index: 1, DependsOn: []int{0}}, {Index: 2, DependsOn: []int{1}}},
		},
		{
			name:  "valid parallel roots",
			nodes: []Node{{Index: 0}, {Index: 1}, {Index: 2, DependsOn: []int{0, 1}}},
		},
		{
			name:  "single phase",
			nodes: []Node{{Index: 0}},
		},
		{
			name:        "direct cycle",
			nodes:       []Node{{Index: 0, DependsOn: []int{1}}, {Index: 1, DependsOn: []int{0}}},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			nodes: []Node{
				{Index: 0, DependsOn: []int{2}},
				{Index: 1, DependsOn: []int{0}},
				{Index: 2, DependsOn: []int{1}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "missing dependency",
			nodes:       []Node{{Index: 0}, {Index: 1, DependsOn: []int{7}}},
			wantErr:     true,
			errContains: "non-existent phase 7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := NewDAG()
			for _, n := range tt.nodes {
				if err := dag.AddPhase(n); err != nil {
					t.Fatalf("AddPhase(%d): %v", n.Index, err)
				}
			}
			order, err := dag.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(order) != len(tt.nodes) {
				t.Errorf("order has %d phases, want %d", len(order), len(tt.nodes))
			}
			pos := make(map[int]int)
			for i, idx := range order {
				pos[idx] = i
			}
			for _, n := range tt.nodes {
				for _, dep := range n.DependsOn {
					if pos[dep] > pos[n.Index] {
						t.Errorf("phase %d ordered before its dependency %d", n.Index, dep)
					}
				}
			}
		})
	}
}

func TestAddPhaseDuplicate(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddPhase(Node{Index: 0}); err != nil {
		t.Fatal(err)
	}
	if err := dag.AddPhase(Node{Index: 0}); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestWaves_RouteTables(t *testing.T) {
	tests := []struct {
		route router.Route
		want  [][]int
	}{
		{router.DirectText, [][]int{{0}}},
		{router.Planned, [][]int{{0}, {1}, {2}}},
		{router.Ralph, [][]int{{0, 1}, {2}, {3}, {4}}},
		{router.Architect, [][]int{{0, 1}, {2}, {3}, {4}, {5}, {6}}},
		{router.UiFlow, [][]int{{0}, {1}, {2}}},
	}

	for _, tt := range tests {
		t.Run(tt.route.String(), func(t *testing.T) {
			dag, err := FromSpec(router.Spec(tt.route))
			if err != nil {
				t.Fatal(err)
			}
			waves, err := dag.Waves()
			if err != nil {
				t.Fatal(err)
			}
			if len(waves) != len(tt.want) {
				t.Fatalf("got %d waves %v, want %v", len(waves), waves, tt.want)
			}
			for i, w := range waves {
				if len(w.Phases) != len(tt.want[i]) {
					t.Fatalf("wave %d = %v, want %v", i, w.Phases, tt.want[i])
				}
				for j := range w.Phases {
					if w.Phases[j] != tt.want[i][j] {
						t.Errorf("wave %d = %v, want %v", i, w.Phases, tt.want[i])
					}
				}
			}
		})
	}
}

func TestWaves_IterativePhaseIsAlone(t *testing.T) {
	dag := NewDAG()
	dag.AddPhase(Node{Index: 0})
	dag.AddPhase(Node{Index: 1, Iterative: true})
	dag.AddPhase(Node{Index: 2})

	waves, err := dag.Waves()
	if err != nil {
		t.Fatal(err)
	}
	if len(waves) != 3 {
		t.Fatalf("got %v, want three waves", waves)
	}
	if !waves[1].Contains(1) || len(waves[1].Phases) != 1 {
		t.Errorf("iterative phase shares wave %v", waves[1].Phases)
	}
}

func TestWaves_IndexOrderPreserved(t *testing.T) {
	// phase 2 is a root but comes after a dependent phase; it must not jump ahead
	dag := NewDAG()
	dag.AddPhase(Node{Index: 0})
	dag.AddPhase(Node{Index: 1, DependsOn: []int{0}})
	dag.AddPhase(Node{Index: 2})

	waves, err := dag.Waves()
	if err != nil {
		t.Fatal(err)
	}
	last := -1
	for _, w := range waves {
		for _, p := range w.Phases {
			if p <= last {
				t.Fatalf("phase %d visited after %d in %v", p, last, waves)
			}
			last = p
		}
	}
}

func TestDependents(t *testing.T) {
	dag, err := FromSpec(router.Spec(router.Ralph))
	if err != nil {
		t.Fatal(err)
	}
	got := dag.Dependents(0)
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("Dependents(0) = %v, want [2]", got)
	}
}

func TestPolicy(t *testing.T) {
	failed := []Outcome{{Index: 0}, {Index: 1, Err: errTest}}
	allFailed := []Outcome{{Index: 0, Err: errTest}, {Index: 1, Err: errTest}}
	ok := []Outcome{{Index: 0}, {Index: 1}}

	if !WaitAll.WaveFailed(failed) {
		t.Error("wait-all should fail on one failed member")
	}
	if ContinueOnPartial.WaveFailed(failed) {
		t.Error("continue-on-partial should tolerate a partial failure")
	}
	if !ContinueOnPartial.WaveFailed(allFailed) {
		t.Error("continue-on-partial should fail when nothing succeeded")
	}
	if WaitAll.WaveFailed(ok) || ContinueOnPartial.WaveFailed(ok) {
		t.Error("successful wave reported failed")
	}

	for _, name := range []string{"wait-all", "continue-on-partial"} {
		p, err := ParsePolicy(name)
		if err != nil || p.String() != name {
			t.Errorf("ParsePolicy(%q) = %v, %v", name, p, err)
		}
	}
	if _, err := ParsePolicy("eventually"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("boom")
