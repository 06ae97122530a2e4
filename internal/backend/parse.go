package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// parsed is what a parser extracts from stdout.
type parsed struct {
	content   string
	sessionID string
}

type parser func(stdout []byte) (parsed, error)

func parserFor(output string) (parser, error) {
	switch output {
	case "", OutputText:
		return parseText, nil
	case OutputClaudeJSON:
		return parseClaudeJSON, nil
	case OutputCodexJSONL:
		return parseCodexEvents, nil
	}
	return nil, fmt.Errorf("unknown output format %q", output)
}

// ErrMalformedOutput is wrapped by parse failures of structured output.
var ErrMalformedOutput = errors.New("malformed agent output")

func parseText(stdout []byte) (parsed, error) {
	return parsed{content: string(stdout)}, nil
}

// claudeResponse is the JSON document printed by `claude -p --output-format json`.
// Older releases nest the answer in result.content[]; current ones print a
// plain string in result.
type claudeResponse struct {
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    json.RawMessage `json:"result"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func parseClaudeJSON(stdout []byte) (parsed, error) {
	var cr claudeResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &cr); err != nil {
		return parsed{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var content string
	var text string
	if len(cr.Result) > 0 && json.Unmarshal(cr.Result, &text) == nil {
		content = text
	} else if len(cr.Result) > 0 {
		var cc claudeContent
		if err := json.Unmarshal(cr.Result, &cc); err != nil {
			return parsed{}, fmt.Errorf("%w: result: %v", ErrMalformedOutput, err)
		}
		for _, item := range cc.Content {
			if item.Type == "text" {
				content += item.Text
			}
		}
	}
	if cr.IsError {
		return parsed{}, fmt.Errorf("agent reported error: %s", clip(content, 512))
	}
	return parsed{content: content, sessionID: cr.SessionID}, nil
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
}

// parseCodexEvents reads newline-delimited JSON events. The thread id comes
// from ThreadStarted and the answer from the last TurnCompleted.
func parseCodexEvents(stdout []byte) (parsed, error) {
	var out parsed
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return parsed{}, fmt.Errorf("%w: event: %v", ErrMalformedOutput, err)
		}
		switch evt.Type {
		case "ThreadStarted", "thread.started":
			out.sessionID = evt.ThreadID
		case "TurnCompleted":
			out.content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return parsed{}, fmt.Errorf("reading events: %w", err)
	}
	return out, nil
}
