// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program for the status monitor
package ui

import (
	"github.com/Resonate-Protocol/passthru-go/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

// Controls carries key actions out of the TUI
type Controls struct {
	Commands chan protocol.Command
	Quit     chan struct{}
}

// NewControls creates the control channels
func NewControls() *Controls {
	return &Controls{
		Commands: make(chan protocol.Command, 10),
		Quit:     make(chan struct{}, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(name, input string, controls *Controls) Model {
	return Model{
		name:     name,
		input:    input,
		controls: controls,
	}
}

// Run creates the TUI program; the caller runs it
func Run(name, input string, controls *Controls) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(name, input, controls), tea.WithAltScreen())
	return p, nil
}
