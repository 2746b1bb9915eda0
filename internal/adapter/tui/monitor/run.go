package monitor

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the monitor on the terminal until the operator quits or ctx is
// cancelled.
func Run(ctx context.Context, core Core, title string) error {
	m := New(core, title)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	m.SetProgramSender(p.Send)
	defer m.Close()

	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}
