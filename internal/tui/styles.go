package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/routeloop/internal/router"
)

// ANSI 256 palette.
var (
	colorAccent = lipgloss.Color("62")
	colorMuted  = lipgloss.Color("240")
	colorHint   = lipgloss.Color("241")
	colorOK     = lipgloss.Color("35")
	colorBusy   = lipgloss.Color("220")
	colorWarn   = lipgloss.Color("214")
	colorBad    = lipgloss.Color("160")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	helpStyle     = lipgloss.NewStyle().Foreground(colorHint)
	noticeStyle   = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	selectedStyle = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
	busyStyle     = lipgloss.NewStyle().Foreground(colorBusy).Bold(true)
)

// statusStyles covers phase statuses and loop states. Anything not listed is
// work in flight and renders busy.
var statusStyles = map[string]lipgloss.Style{
	statusPending:   lipgloss.NewStyle().Foreground(colorMuted),
	statusSkipped:   lipgloss.NewStyle().Foreground(colorMuted).Faint(true),
	"idle":          lipgloss.NewStyle().Foreground(colorMuted),
	statusCompleted: lipgloss.NewStyle().Foreground(colorOK).Bold(true),
	statusFailed:    lipgloss.NewStyle().Foreground(colorBad).Bold(true),
	"aborted":       lipgloss.NewStyle().Foreground(colorBad),
	"cap_reached":   noticeStyle,
}

var statusGlyphs = map[string]string{
	statusRunning:   "●",
	statusCompleted: "✓",
	statusFailed:    "✗",
	statusSkipped:   "-",
}

// routeColors get warmer as routes get heavier.
var routeColors = map[router.Route]lipgloss.Color{
	router.DirectText: lipgloss.Color("37"),
	router.DirectCode: lipgloss.Color("38"),
	router.Planned:    lipgloss.Color("75"),
	router.UiFlow:     lipgloss.Color("141"),
	router.Ralph:      lipgloss.Color("171"),
	router.Architect:  lipgloss.Color("209"),
}

func renderStatus(status, text string) string {
	if s, ok := statusStyles[status]; ok {
		return s.Render(text)
	}
	return busyStyle.Render(text)
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	glyph, ok := statusGlyphs[status]
	if !ok {
		glyph = "○"
	}
	return renderStatus(status, glyph)
}

// routeLabel colours a route name; names that do not parse are left plain.
func routeLabel(name string) string {
	r, err := router.ParseRoute(name)
	if err != nil {
		return name
	}
	return lipgloss.NewStyle().Foreground(routeColors[r]).Bold(true).Render(name)
}

// paneFrame is the border around a pane; the focused pane uses the accent.
func paneFrame(focused bool) lipgloss.Style {
	border := colorMuted
	if focused {
		border = colorAccent
	}
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border)
}
