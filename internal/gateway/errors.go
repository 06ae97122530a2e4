package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind tiers a failed invocation.
type ErrorKind int

const (
	// Transient failures (timeout, rate limit, network, 5xx) are retried.
	Transient ErrorKind = iota
	// Exhausted means transient failures used up the retry budget, or the
	// capability's circuit is open.
	Exhausted
	// AuthOrQuota failures need the user's attention and are never retried.
	AuthOrQuota
	// Malformed requests fail immediately.
	Malformed
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Exhausted:
		return "exhausted"
	case AuthOrQuota:
		return "auth_or_quota"
	case Malformed:
		return "malformed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ExecError is the classified failure returned by Invoke.
type ExecError struct {
	Kind       ErrorKind
	Capability string
	Attempts   int
	Err        error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s invocation failed (%s after %d attempt(s)): %v", e.Capability, e.Kind, e.Attempts, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// IsKind reports whether err is an ExecError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Kind == kind
}

// KindOf returns the kind of an ExecError, or false if err is not one.
func KindOf(err error) (ErrorKind, bool) {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return 0, false
}

// ErrUnknownCapability is returned for a capability with no configured backend.
var ErrUnknownCapability = errors.New("no backend configured for capability")
