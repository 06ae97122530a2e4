package gateway

import (
	"context"
	"errors"
	"regexp"

	"github.com/aristath/routeloop/internal/backend"
)

// statusContext matches the context an HTTP status code is reported in, so counts and
// line numbers in agent output are not read as codes.
const statusContext = `(?:status|http(?:/\d(?:\.\d)?)?|code|error)[\s:=("']*(?:code[\s:=("']*)?`

var (
	authPattern = regexp.MustCompile(`(?i)` + statusContext + `(?:401|403)\b|unauthori[sz]ed|forbidden|quota|billing|credit balance|api[ _-]?key|authenticat|not logged in|please log ?in|\bpermission_denied\b`)

	// Local filesystem refusals fail the same way on every agent.
	malformedPattern = regexp.MustCompile(`(?i)usage:|invalid argument|unknown (flag|option|command)|unrecognized (option|argument)|unexpected argument|flag provided but not defined|permission denied|operation not permitted|read-only file system`)

	transientPattern = regexp.MustCompile(`(?i)time(d)? ?out|rate[ _-]?limit|too many requests|` + statusContext + `(?:429|5\d\d)\b|\b5\d\d (?:internal server error|bad gateway|service unavailable|gateway timeout)|overloaded|temporar(y|ily)|connection (reset|refused|closed)|network|econnreset|\beof\b|unavailable`)
)

// classify assigns a failed attempt to a tier. invokeCtx is the per-attempt
// context; a deadline on it that the parent did not impose is a timeout.
func classify(invokeCtx context.Context, err error) ErrorKind {
	if errors.Is(err, backend.ErrMalformedOutput) {
		return Malformed
	}
	if errors.Is(invokeCtx.Err(), context.DeadlineExceeded) {
		return Transient
	}

	var text string
	var cmdErr *backend.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.NotFound() {
			return Malformed
		}
		text = cmdErr.Stderr + "\n" + err.Error()
	} else {
		text = err.Error()
	}

	switch {
	case authPattern.MatchString(text):
		return AuthOrQuota
	case malformedPattern.MatchString(text):
		return Malformed
	case transientPattern.MatchString(text):
		return Transient
	}
	// An unexplained non-zero exit is worth another try.
	return Transient
}

// outcome is the ledger and metrics label for one attempt.
func outcome(err error, kind ErrorKind) string {
	if err == nil {
		return "success"
	}
	return kind.String()
}
