package scheduler

import "fmt"

// Policy decides what a failed wave member means for the rest of the route.
type Policy int

const (
	// WaitAll fails the task after the barrier if any member failed.
	WaitAll Policy = iota
	// ContinueOnPartial records failed members and lets the route continue.
	ContinueOnPartial
)

// ParsePolicy maps the config names wait-all and continue-on-partial.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "wait-all":
		return WaitAll, nil
	case "continue-on-partial":
		return ContinueOnPartial, nil
	}
	return WaitAll, fmt.Errorf("unknown parallel policy %q", s)
}

func (p Policy) String() string {
	if p == ContinueOnPartial {
		return "continue-on-partial"
	}
	return "wait-all"
}

// Outcome is the result of one wave member.
type Outcome struct {
	Index int
	Err   error
}

// WaveFailed reports whether the wave as a whole failed under the policy.
// A wave where every member failed always fails.
func (p Policy) WaveFailed(outcomes []Outcome) bool {
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	if failed == 0 {
		return false
	}
	if p == WaitAll {
		return true
	}
	return failed == len(outcomes)
}
