package events

import (
	"time"
)

// Event is the base interface for all loop events.
type Event interface {
	EventType() string
	TaskID() string
	Topic() string
}

// Topic constants
const (
	TopicRun   = "run"
	TopicPhase = "phase"
)

// Event type constants
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunFinished   = "run.finished"
	EventTypeArchiveFailed = "run.archive_failed"
	EventTypeTransition    = "run.transition"
	EventTypePhaseStarted  = "phase.started"
	EventTypePhaseOutput   = "phase.output"
	EventTypePhaseFinished = "phase.finished"
	EventTypeWaveProgress  = "phase.wave"
)

// RunStartedEvent is published when the loop controller takes a task.
type RunStartedEvent struct {
	ID          string
	Description string
	Route       string
	Phases      []string
	Resumed     bool
	Phase       int
	Iteration   int
	Timestamp   time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) TaskID() string    { return e.ID }
func (e RunStartedEvent) Topic() string     { return TopicRun }

// TransitionEvent is published after every state change, once the checkpoint is saved.
type TransitionEvent struct {
	ID        string
	State     string
	Phase     int
	Iteration int
	Progress  int
	Timestamp time.Time
}

func (e TransitionEvent) EventType() string { return EventTypeTransition }
func (e TransitionEvent) TaskID() string    { return e.ID }
func (e TransitionEvent) Topic() string     { return TopicRun }

// RunFinishedEvent is published when the loop stops, for whatever reason.
type RunFinishedEvent struct {
	ID        string
	Status    string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskID() string    { return e.ID }
func (e RunFinishedEvent) Topic() string     { return TopicRun }

// ArchiveFailedEvent is published when a completed task could not be moved to history.
type ArchiveFailedEvent struct {
	ID        string
	Err       error
	Timestamp time.Time
}

func (e ArchiveFailedEvent) EventType() string { return EventTypeArchiveFailed }
func (e ArchiveFailedEvent) TaskID() string    { return e.ID }
func (e ArchiveFailedEvent) Topic() string     { return TopicRun }

// PhaseStartedEvent is published before a phase (or one iteration of it) is invoked.
type PhaseStartedEvent struct {
	ID         string
	Index      int
	Name       string
	Capability string
	Iteration  int
	Timestamp  time.Time
}

func (e PhaseStartedEvent) EventType() string { return EventTypePhaseStarted }
func (e PhaseStartedEvent) TaskID() string    { return e.ID }
func (e PhaseStartedEvent) Topic() string     { return TopicPhase }

// PhaseOutputEvent carries an agent's answer for the live view.
type PhaseOutputEvent struct {
	ID        string
	Index     int
	Text      string
	Timestamp time.Time
}

func (e PhaseOutputEvent) EventType() string { return EventTypePhaseOutput }
func (e PhaseOutputEvent) TaskID() string    { return e.ID }
func (e PhaseOutputEvent) Topic() string     { return TopicPhase }

// PhaseFinishedEvent is published when a phase invocation returns.
type PhaseFinishedEvent struct {
	ID          string
	Index       int
	Name        string
	Status      string
	Iteration   int
	MarkerFound bool
	Err         error
	Duration    time.Duration
	Timestamp   time.Time
}

func (e PhaseFinishedEvent) EventType() string { return EventTypePhaseFinished }
func (e PhaseFinishedEvent) TaskID() string    { return e.ID }
func (e PhaseFinishedEvent) Topic() string     { return TopicPhase }

// WaveProgressEvent is published at each wave barrier.
type WaveProgressEvent struct {
	ID        string
	Wave      int
	Total     int
	Completed int
	Failed    int
	Timestamp time.Time
}

func (e WaveProgressEvent) EventType() string { return EventTypeWaveProgress }
func (e WaveProgressEvent) TaskID() string    { return e.ID }
func (e WaveProgressEvent) Topic() string     { return TopicPhase }
