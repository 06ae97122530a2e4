package tui

// Keybinding constants
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeyFollow   = "f"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView(stopping bool) string {
	if stopping {
		return noticeStyle.Render("Stopping after the current phase... q again to leave the view")
	}
	return helpStyle.Render("Tab: cycle focus | 1/2: jump to pane | j/k: select phase | f: follow | pgup/pgdn: scroll | q: stop run")
}
