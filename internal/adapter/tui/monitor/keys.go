package monitor

import "github.com/charmbracelet/bubbles/key"

// keyMap holds the operator hotkeys. It satisfies help.KeyMap.
type keyMap struct {
	Online  key.Binding
	Offline key.Binding
	Clear   key.Binding
	Freeze  key.Binding
	Quit    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Online: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "force online"),
		),
		Offline: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "force offline"),
		),
		Clear: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "clear override"),
		),
		Freeze: key.NewBinding(
			key.WithKeys("z"),
			key.WithHelp("z", "freeze/release"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Online, k.Offline, k.Clear, k.Freeze, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
