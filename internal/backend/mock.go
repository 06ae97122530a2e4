package backend

import (
	"context"
	"fmt"
	"time"
)

// MockBackend answers every prompt in-process without running an agent.
// Its output always carries the completion marker, so iterative phases finish
// on their first iteration. Used for dry runs.
type MockBackend struct {
	name   string
	marker string
	delay  time.Duration
}

// NewMock creates a mock backend for the named capability.
func NewMock(name, marker string, delay time.Duration) *MockBackend {
	return &MockBackend{name: name, marker: marker, delay: delay}
}

// Name returns the capability name.
func (m *MockBackend) Name() string {
	return m.name
}

// Send echoes the phase and prompt size after the configured delay.
func (m *MockBackend) Send(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	if m.delay > 0 {
		t := time.NewTimer(m.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-t.C:
		}
	}
	phase := req.Phase
	if phase == "" {
		phase = "unnamed"
	}
	content := fmt.Sprintf("[mock %s] phase %s done (%d prompt bytes)\n%s\n", m.name, phase, len(req.Prompt), m.marker)
	return Response{Content: content, SessionID: "mock-" + m.name, Duration: time.Since(start)}, nil
}
