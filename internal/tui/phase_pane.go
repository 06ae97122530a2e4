package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/routeloop/internal/events"
)

// Phase statuses shown in the list. They match the checkpoint phase statuses.
const (
	statusPending   = "pending"
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusSkipped   = "skipped"
)

// PhaseState is what the view knows about one phase of the route.
type PhaseState struct {
	Index      int
	Name       string
	Capability string
	Status     string
	Iteration  int
	Output     []string
	Duration   time.Duration
}

// PhasePaneModel is the phase list and the output viewport of the selected phase.
type PhasePaneModel struct {
	phases      []*PhaseState
	selectedIdx int
	follow      bool // selection tracks the phase that started last
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewPhasePaneModel creates an empty phase pane.
func NewPhasePaneModel() PhasePaneModel {
	return PhasePaneModel{
		viewport: viewport.New(0, 0),
		follow:   true,
	}
}

// tickMsg debounces viewport refreshes while output arrives.
type tickMsg struct {
	tag int
}

// Update handles messages for the phase pane.
func (m PhasePaneModel) Update(msg tea.Msg) (PhasePaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.phases)-1 {
				m.selectedIdx++
				m.follow = false
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.follow = false
				m.updateViewportContent()
			}
		case KeyFollow:
			m.follow = true
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.RunStartedEvent:
		m.phases = make([]*PhaseState, len(msg.Phases))
		for i, name := range msg.Phases {
			st := &PhaseState{Index: i, Name: name, Status: statusPending}
			if i < msg.Phase {
				st.Status = statusCompleted
			}
			m.phases[i] = st
		}
		m.selectedIdx = min(max(msg.Phase, 0), max(len(m.phases)-1, 0))
		m.updateViewportContent()

	case events.PhaseStartedEvent:
		p := m.phase(msg.Index)
		if p == nil {
			break
		}
		p.Status = statusRunning
		p.Capability = msg.Capability
		p.Iteration = msg.Iteration
		if msg.Iteration > 0 {
			p.Output = append(p.Output, fmt.Sprintf("── iteration %d (%s) ──", msg.Iteration, msg.Capability))
		}
		if m.follow {
			m.selectedIdx = msg.Index
		}
		m.updateViewportContent()

	case events.PhaseOutputEvent:
		p := m.phase(msg.Index)
		if p == nil {
			break
		}
		p.Output = append(p.Output, strings.Split(strings.TrimRight(msg.Text, "\n"), "\n")...)
		if m.selectedIdx == msg.Index {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.PhaseFinishedEvent:
		p := m.phase(msg.Index)
		if p == nil {
			break
		}
		p.Status = msg.Status
		p.Duration += msg.Duration
		switch {
		case msg.Err != nil:
			p.Output = append(p.Output, fmt.Sprintf("[Failed after %v: %v]", msg.Duration.Round(time.Millisecond), msg.Err))
		case msg.Status == statusCompleted:
			p.Output = append(p.Output, fmt.Sprintf("[Completed in %v]", p.Duration.Round(time.Millisecond)))
		}
		if m.selectedIdx == msg.Index {
			m.updateViewportContent()
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m PhasePaneModel) phase(idx int) *PhaseState {
	if idx < 0 || idx >= len(m.phases) {
		return nil
	}
	return m.phases[idx]
}

// View renders the phase pane.
func (m PhasePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 24
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPhaseList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return paneFrame(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m PhasePaneModel) renderPhaseList(width int) string {
	var b strings.Builder

	title := titleStyle.Render("Phases")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.phases) == 0 {
		b.WriteString(renderStatus(statusPending, "Waiting..."))
	}
	for i, p := range m.phases {
		name := p.Name
		if p.Iteration > 0 {
			name = fmt.Sprintf("%s #%d", name, p.Iteration)
		}
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %d. %s", StatusIcon(p.Status), p.Index+1, name)
		if i == m.selectedIdx {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// Selected returns the phase shown in the viewport, if any.
func (m PhasePaneModel) Selected() (PhaseState, bool) {
	if p := m.phase(m.selectedIdx); p != nil {
		return *p, true
	}
	return PhaseState{}, false
}

func (m *PhasePaneModel) updateViewportContent() {
	p := m.phase(m.selectedIdx)
	if p == nil {
		m.viewport.SetContent("Waiting for the route...")
		return
	}
	if len(p.Output) == 0 {
		m.viewport.SetContent(renderStatus(statusPending, fmt.Sprintf("%s has no output yet", p.Name)))
		return
	}
	m.viewport.SetContent(strings.Join(p.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *PhasePaneModel) resizeViewport() {
	listWidth := 24
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *PhasePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *PhasePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
