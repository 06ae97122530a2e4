package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/routeloop/internal/events"
)

// ProgressPaneModel shows the loop state, overall progress and the barrier
// counts of the wave in flight.
type ProgressPaneModel struct {
	bar         progress.Model
	description string
	route       string
	state       string
	percent     int
	iteration   int
	resumed     bool

	waveTotal     int
	waveCompleted int
	waveFailed    int

	started  time.Time
	finished *events.RunFinishedEvent

	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{
		bar:   progress.New(progress.WithDefaultGradient()),
		state: "idle",
	}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStartedEvent:
		m.description = msg.Description
		m.route = msg.Route
		m.resumed = msg.Resumed
		m.iteration = msg.Iteration
		m.started = msg.Timestamp

	case events.TransitionEvent:
		m.state = msg.State
		m.percent = msg.Progress
		m.iteration = msg.Iteration

	case events.WaveProgressEvent:
		m.waveTotal = msg.Total
		m.waveCompleted = msg.Completed
		m.waveFailed = msg.Failed

	case events.RunFinishedEvent:
		m.finished = &msg
	}
	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := titleStyle.Render("Run")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	route := routeLabel(m.route)
	if m.resumed {
		route += " (resumed)"
	}
	b.WriteString(fmt.Sprintf("Task:      %s\n", truncate(m.description, max(m.width-16, 10))))
	b.WriteString(fmt.Sprintf("Route:     %s\n", route))
	b.WriteString(fmt.Sprintf("State:     %s\n", m.stateLabel()))
	if m.iteration > 0 {
		b.WriteString(fmt.Sprintf("Iteration: %d\n", m.iteration))
	}
	if m.waveTotal > 1 {
		b.WriteString(fmt.Sprintf("Wave:      %s done, %s failed of %d\n",
			renderStatus(statusCompleted, fmt.Sprintf("%d", m.waveCompleted)),
			renderStatus(statusFailed, fmt.Sprintf("%d", m.waveFailed)),
			m.waveTotal))
	}
	b.WriteString("\n")

	bar := m.bar
	bar.Width = min(max(m.width-12, 10), 60)
	b.WriteString(fmt.Sprintf("%s %3d%%\n", bar.ViewAs(float64(m.percent)/100), m.percent))

	if m.finished != nil {
		b.WriteString("\n")
		b.WriteString(m.finishedLine())
		b.WriteString("\n")
	}

	return paneFrame(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m ProgressPaneModel) stateLabel() string {
	return renderStatus(m.state, m.state)
}

func (m ProgressPaneModel) finishedLine() string {
	f := m.finished
	line := fmt.Sprintf("Run %s after %v", f.Status, f.Duration.Round(time.Second))
	if f.Err != nil {
		return renderStatus(statusFailed, fmt.Sprintf("%s: %v", line, f.Err))
	}
	return renderStatus(statusCompleted, line)
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
