// Package tui is the live terminal view of a run and the interactive
// decision prompts.
package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/routeloop/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PanePhases PaneID = iota
	PaneProgress
)

// Model is the root Bubble Tea model for the live view.
type Model struct {
	phasePane    PhasePaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	cancel       context.CancelFunc
	width        int
	height       int
	stopping     bool
	finished     bool
	quitting     bool
}

// New creates the live view. It subscribes to every event on the bus; cancel
// stops the run and is called when the user quits.
func New(bus *events.Bus, cancel context.CancelFunc) Model {
	m := Model{
		phasePane:    NewPhasePaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PanePhases,
		eventSub:     bus.SubscribeAll(1024),
		cancel:       cancel,
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			// first press stops the run at the next boundary, the second leaves
			if m.finished || m.stopping {
				m.quitting = true
				return m, tea.Quit
			}
			m.stopping = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, nil

		case KeyTab, KeyShiftTab:
			m.focusedPane = (m.focusedPane + 1) % 2
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PanePhases
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			if m.focusedPane == PanePhases {
				var cmd tea.Cmd
				m.phasePane, cmd = m.phasePane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.phasePane, cmd = m.phasePane.Update(msg)
		cmds = append(cmds, cmd)

	case events.RunStartedEvent, events.PhaseStartedEvent, events.PhaseOutputEvent, events.PhaseFinishedEvent:
		var cmd tea.Cmd
		m.phasePane, cmd = m.phasePane.Update(msg)
		cmds = append(cmds, cmd)
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.TransitionEvent, events.WaveProgressEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.RunFinishedEvent:
		m.progressPane, _ = m.progressPane.Update(msg)
		m.finished = true
		m.quitting = true
		return m, tea.Quit
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		// the final frame stays on screen, so it carries the outcome
		if m.finished {
			return m.progressPane.finishedLine() + "\n"
		}
		return "Left the live view; the run stops after the current phase.\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.phasePane.View(), m.progressPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, main, HelpView(m.stopping))
}

// Stopping reports whether the user asked the run to stop.
func (m Model) Stopping() bool {
	return m.stopping
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	rightWidth := (m.width * 35) / 100
	leftWidth := m.width - rightWidth
	availableHeight := m.height - 1 // help bar

	m.phasePane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.phasePane.SetFocused(m.focusedPane == PanePhases)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
