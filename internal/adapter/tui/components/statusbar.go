package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"m2dash/internal/adapter/tui/theme"
)

// StatusBarModel renders the bottom line: the key help on the left and a
// short status text on the right.
type StatusBarModel struct {
	Help  string
	Extra string
	width int
}

// NewStatusBar creates an empty status bar.
func NewStatusBar() StatusBarModel {
	return StatusBarModel{}
}

// SetWidth updates the available width.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// View renders the status bar as a single line.
func (m StatusBarModel) View() string {
	right := ""
	if m.Extra != "" {
		right = theme.TextInfo.Render(m.Extra)
	}

	gap := m.width - lipgloss.Width(m.Help) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	bar := m.Help + strings.Repeat(" ", gap) + right
	return theme.StatusBar.Width(m.width).Render(bar)
}
