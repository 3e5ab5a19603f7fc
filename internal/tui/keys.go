package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
)

type keyMap struct {
	Next   key.Binding
	Prev   key.Binding
	Tasks  key.Binding
	Pool   key.Binding
	Down   key.Binding
	Up     key.Binding
	Cancel key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Next:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
	Prev:   key.NewBinding(key.WithKeys("shift+tab")),
	Tasks:  key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2", "jump to pane")),
	Pool:   key.NewBinding(key.WithKeys("2")),
	Down:   key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/k", "select task")),
	Up:     key.NewBinding(key.WithKeys("k", "up")),
	Cancel: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel task")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// HelpView returns a one-line help bar built from the bindings that carry help text.
func HelpView() string {
	var parts []string
	for _, b := range []key.Binding{keys.Next, keys.Tasks, keys.Down, keys.Cancel, keys.Quit} {
		h := b.Help()
		parts = append(parts, h.Key+": "+h.Desc)
	}
	return StyleHelp.Render(strings.Join(parts, " | "))
}
