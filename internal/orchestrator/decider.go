package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/routeloop/internal/router"
)

// CapChoice is the continuation chosen when an iterative phase hits its cap.
type CapChoice int

const (
	// CapSaveExit keeps the task in progress and stops the run.
	CapSaveExit CapChoice = iota
	// CapExtend raises the cap by cap_extension.
	CapExtend
	// CapNarrow replaces the pending work with a narrower scope and raises the cap.
	CapNarrow
	// CapAbandon aborts and archives the task.
	CapAbandon
)

func (c CapChoice) String() string {
	switch c {
	case CapExtend:
		return "extend"
	case CapNarrow:
		return "narrow"
	case CapAbandon:
		return "abandon"
	default:
		return "save"
	}
}

// ParseCapChoice maps the --on-cap values. Narrowing needs a human and is
// not accepted here.
func ParseCapChoice(s string) (CapChoice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "save", "save-and-exit":
		return CapSaveExit, nil
	case "extend":
		return CapExtend, nil
	case "abandon":
		return CapAbandon, nil
	}
	return CapSaveExit, fmt.Errorf("unknown cap choice %q (want save, extend or abandon)", s)
}

// CapInfo describes a CapReached stop.
type CapInfo struct {
	TaskID     string
	Route      router.Route
	Phase      string
	Iterations int
	Cap        int
	Extension  int
	LastOutput string
}

// CapDecision is the answer to a CapReached stop. Scope is only read for CapNarrow.
type CapDecision struct {
	Choice CapChoice
	Scope  string
}

// FallbackInfo describes a phase whose capability failed and that a rule allows
// to retry on another capability.
type FallbackInfo struct {
	TaskID string
	Route  router.Route
	Phase  string
	From   router.Capability
	To     router.Capability
	Err    error
}

// CorruptChoice is the answer when no checkpoint for a task can be verified.
type CorruptChoice int

const (
	// CorruptInspect leaves the records untouched for manual inspection.
	CorruptInspect CorruptChoice = iota
	// CorruptStartFresh moves the records aside so the task can be run again.
	CorruptStartFresh
)

// CorruptInfo describes an unverifiable checkpoint.
type CorruptInfo struct {
	TaskID string
	Err    error
}

// Decider answers the questions the loop never decides alone.
type Decider interface {
	CapReached(ctx context.Context, info CapInfo) (CapDecision, error)
	ConfirmFallback(ctx context.Context, info FallbackInfo) (bool, error)
	Corrupt(ctx context.Context, info CorruptInfo) (CorruptChoice, error)
}

// PolicyDecider answers from fixed flags, for non-interactive runs.
type PolicyDecider struct {
	OnCap         CapChoice
	AllowFallback bool
	OnCorrupt     CorruptChoice
}

var _ Decider = PolicyDecider{}

func (p PolicyDecider) CapReached(ctx context.Context, info CapInfo) (CapDecision, error) {
	if err := ctx.Err(); err != nil {
		return CapDecision{}, err
	}
	if p.OnCap == CapNarrow {
		return CapDecision{}, fmt.Errorf("narrowing the scope of %s needs an interactive decision", info.TaskID)
	}
	return CapDecision{Choice: p.OnCap}, nil
}

func (p PolicyDecider) ConfirmFallback(ctx context.Context, _ FallbackInfo) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.AllowFallback, nil
}

func (p PolicyDecider) Corrupt(ctx context.Context, _ CorruptInfo) (CorruptChoice, error) {
	if err := ctx.Err(); err != nil {
		return CorruptInspect, err
	}
	return p.OnCorrupt, nil
}
