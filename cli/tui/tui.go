package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
)

// View types.
const (
	ViewFetch           = "fetch"
	ViewInspectFramelog = "inspect_framelog"
)

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
	Up   key.Binding
	Down key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
}

// Run starts the static TUI for viewType. Live fetch progress is started
// with RunFetch instead.
func Run(viewType string, data any) error {
	switch viewType {
	case ViewInspectFramelog:
		return RunInspectTUI(data)
	case ViewFetch:
		return fmt.Errorf("%s view needs a live event source, use RunFetch", viewType)
	default:
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
}

// IsTUISupported returns true if the view type supports TUI mode.
func IsTUISupported(viewType string) bool {
	for _, v := range SupportedTUIViews() {
		if v == viewType {
			return true
		}
	}
	return false
}

// SupportedTUIViews returns a list of view types that support TUI.
func SupportedTUIViews() []string {
	return []string{ViewFetch, ViewInspectFramelog}
}
