package backend

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommandBackend runs one subprocess per prompt from a configured command template.
type CommandBackend struct {
	spec    Spec
	parse   parser
	procMgr *ProcessManager
}

func newCommandBackend(spec Spec, p parser, pm *ProcessManager) *CommandBackend {
	return &CommandBackend{spec: spec, parse: p, procMgr: pm}
}

// Name returns the capability name the backend serves.
func (b *CommandBackend) Name() string {
	return b.spec.Name
}

// Send runs the command once. A non-zero exit returns *CommandError with the
// captured stderr so callers can classify it.
func (b *CommandBackend) Send(ctx context.Context, req Request) (Response, error) {
	sessionID := uuid.NewString()
	workDir := req.WorkDir
	if workDir == "" {
		workDir = b.spec.WorkDir
	}

	args := expandArgs(b.spec.Args, strings.NewReplacer(
		"{prompt}", req.Prompt,
		"{session}", sessionID,
		"{workdir}", workDir,
	), b.spec.Stdin)

	cmd := newCommand(ctx, b.spec.Command, args...)
	cmd.Dir = workDir
	if len(b.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), b.spec.Env...)
	}

	var stdin io.Reader
	if b.spec.Stdin {
		stdin = strings.NewReader(req.Prompt)
	}

	start := time.Now()
	stdout, stderr, err := executeCommand(ctx, cmd, b.procMgr, stdin)
	resp := Response{Stderr: string(stderr), Duration: time.Since(start), SessionID: sessionID}
	if err != nil {
		resp.Content = string(stdout)
		return resp, err
	}

	p, err := b.parse(stdout)
	if err != nil {
		return resp, err
	}
	resp.Content = p.content
	if p.sessionID != "" {
		resp.SessionID = p.sessionID
	}
	return resp, nil
}

// expandArgs substitutes placeholders inside every argument in a single pass,
// so placeholder text inside the prompt is left alone. With stdin set, an
// argument that is exactly "{prompt}" is dropped instead.
func expandArgs(template []string, r *strings.Replacer, stdin bool) []string {
	args := make([]string, 0, len(template))
	for _, a := range template {
		if stdin && a == "{prompt}" {
			continue
		}
		args = append(args, r.Replace(a))
	}
	return args
}
