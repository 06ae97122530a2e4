package orchestrator

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/aristath/routeloop/internal/backend"
	"github.com/aristath/routeloop/internal/config"
)

// Knowledge returns read-only project context for a task description.
type Knowledge interface {
	Query(ctx context.Context, description string) (string, error)
}

// knowledgeTimeout bounds the single query made per run.
const knowledgeTimeout = 2 * time.Minute

// CommandKnowledge runs the configured knowledge command. The description is
// passed through the {prompt} placeholder, or appended as the last argument
// when the template has none.
type CommandKnowledge struct {
	backend backend.Backend
}

// NewCommandKnowledge returns nil when no knowledge command is configured.
func NewCommandKnowledge(cfg config.KnowledgeConfig, pm *backend.ProcessManager) (*CommandKnowledge, error) {
	if cfg.Command == "" {
		return nil, nil
	}
	args := append([]string(nil), cfg.Args...)
	if !slices.ContainsFunc(args, func(a string) bool { return strings.Contains(a, "{prompt}") }) {
		args = append(args, "{prompt}")
	}
	b, err := backend.New(backend.Spec{
		Name:    "knowledge",
		Command: cfg.Command,
		Args:    args,
		Output:  backend.OutputText,
	}, pm)
	if err != nil {
		return nil, err
	}
	return &CommandKnowledge{backend: b}, nil
}

func (k *CommandKnowledge) Query(ctx context.Context, description string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, knowledgeTimeout)
	defer cancel()
	resp, err := k.backend.Send(ctx, backend.Request{Prompt: description, Phase: "knowledge"})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
