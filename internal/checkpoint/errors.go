package checkpoint

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies store failures.
type ErrorKind int

const (
	// IOFailure means an underlying read, write or rename failed.
	IOFailure ErrorKind = iota
	// CorruptState means records exist but none passed digest verification.
	CorruptState
	// NotFound means no record exists for the task id.
	NotFound
)

func (k ErrorKind) String() string {
	switch k {
	case CorruptState:
		return "corrupt state"
	case NotFound:
		return "not found"
	default:
		return "io failure"
	}
}

// StoreError is returned by every Store operation that fails.
type StoreError struct {
	Kind   ErrorKind
	TaskID string
	Op     string
	// Rejected lists each candidate record that failed verification, for CorruptState.
	Rejected []string
	Err      error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "checkpoint %s %s: %s", e.Op, e.TaskID, e.Kind)
	if len(e.Rejected) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Rejected, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *StoreError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == kind
}

func ioFailure(op, id string, err error) error {
	return &StoreError{Kind: IOFailure, TaskID: id, Op: op, Err: err}
}
