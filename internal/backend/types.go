package backend

import "time"

// Request is one prompt sent to an agent.
type Request struct {
	Prompt  string
	WorkDir string
	// Phase is informational; the mock backend echoes it.
	Phase string
}

// Response is the parsed result of one invocation.
type Response struct {
	Content   string
	SessionID string
	Stderr    string
	Duration  time.Duration
}

// Spec describes how a backend reaches its agent.
type Spec struct {
	Name    string   // capability name, used in errors and logs
	Command string   // executable
	Args    []string // "{prompt}", "{session}" and "{workdir}" are substituted
	Output  string   // text, claude-json or codex-jsonl
	Stdin   bool     // pipe the prompt on stdin instead of substituting it
	WorkDir string
	Env     []string // extra KEY=VALUE entries
}
