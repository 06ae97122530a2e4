package events

import (
	"fmt"
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicPhase, 10)

	bus.Publish(PhaseStartedEvent{
		ID:         "task-1",
		Index:      2,
		Name:       "execute",
		Capability: "code_agent",
		Iteration:  1,
		Timestamp:  time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypePhaseStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypePhaseStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicRun, 10)
	ch2 := bus.Subscribe(TopicRun, 10)

	bus.Publish(RunFinishedEvent{
		ID:        "task-2",
		Status:    "completed",
		Duration:  100 * time.Millisecond,
		Timestamp: time.Now(),
	})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicPhase, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(PhaseOutputEvent{ID: fmt.Sprintf("task-%d", i), Text: "line"})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received.TaskID() != "task-0" {
			t.Errorf("expected the first event to be buffered, got %s", received.TaskID())
		}
	default:
		t.Error("expected at least one event in buffer")
	}

	if got := bus.Dropped(); got != 9 {
		t.Errorf("Dropped() = %d, want 9", got)
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe(TopicRun, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	for _, c := range []<-chan Event{ch, all} {
		received := 0
		for range c {
			received++
		}
		if received != 0 {
			t.Errorf("expected 0 events after close, got %d", received)
		}
	}

	late := bus.Subscribe(TopicRun, 1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicRun, 10)

	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()

	bus.Publish(RunStartedEvent{ID: "task-1", Route: "ralph", Timestamp: time.Now()})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after bus was closed")
		}
	default:
	}
}

func TestPublishOnNilBus(t *testing.T) {
	var bus *Bus
	bus.Publish(RunStartedEvent{ID: "x"})
}

// TestTopicIsolation verifies events only reach their own topic.
func TestTopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	runCh := bus.Subscribe(TopicRun, 10)
	phaseCh := bus.Subscribe(TopicPhase, 10)

	bus.Publish(TransitionEvent{ID: "task-1", State: "phase_running", Timestamp: time.Now()})
	bus.Publish(WaveProgressEvent{ID: "task-1", Wave: 0, Total: 2, Completed: 2, Timestamp: time.Now()})

	select {
	case received := <-runCh:
		if received.EventType() != EventTypeTransition {
			t.Errorf("run channel: expected transition event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("run channel: timeout waiting for event")
	}

	select {
	case received := <-phaseCh:
		if received.EventType() != EventTypeWaveProgress {
			t.Errorf("phase channel: expected wave event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("phase channel: timeout waiting for event")
	}

	select {
	case <-runCh:
		t.Error("run channel received unexpected event")
	case <-phaseCh:
		t.Error("phase channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestSubscribeAll verifies that SubscribeAll receives events from all topics.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(RunStartedEvent{ID: "task-1", Timestamp: time.Now()})
	bus.Publish(PhaseFinishedEvent{ID: "task-1", Index: 0, Status: "completed", Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTypeRunStarted] {
		t.Error("SubscribeAll did not receive run event")
	}
	if !receivedTypes[EventTypePhaseFinished] {
		t.Error("SubscribeAll did not receive phase event")
	}

	select {
	case <-allCh:
		t.Error("received unexpected third event")
	case <-time.After(10 * time.Millisecond):
	}
}
