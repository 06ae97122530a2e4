// Package backend runs external agent CLIs as subprocesses and parses their output.
package backend

import (
	"context"
	"fmt"
)

// Backend defines the interface that all agent backends implement.
type Backend interface {
	// Send runs one prompt and returns the agent's textual answer.
	Send(ctx context.Context, req Request) (Response, error)

	// Name identifies the backend in logs.
	Name() string
}

// Output formats.
const (
	OutputText       = "text"
	OutputClaudeJSON = "claude-json"
	OutputCodexJSONL = "codex-jsonl"
)

// New creates a command backend for spec.
func New(spec Spec, pm *ProcessManager) (Backend, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("backend %s: empty command", spec.Name)
	}
	parser, err := parserFor(spec.Output)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", spec.Name, err)
	}
	return newCommandBackend(spec, parser, pm), nil
}
