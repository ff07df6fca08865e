// ABOUTME: TUI initialization and control
// ABOUTME: Wraps bubbletea programs for the host and listener UIs
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Control is a key press the session acts on
type Control int

const (
	ControlTogglePlay Control = iota
	ControlNext
	ControlPrevious
	ControlRecalibrate
)

func (c Control) String() string {
	switch c {
	case ControlTogglePlay:
		return "toggle-play"
	case ControlNext:
		return "next"
	case ControlPrevious:
		return "previous"
	case ControlRecalibrate:
		return "recalibrate"
	}
	return "unknown"
}

// Controls carries user input from the TUI to the session
type Controls struct {
	Commands chan Control
	Quit     chan struct{}
}

// NewControls creates a controls handler
func NewControls() *Controls {
	return &Controls{
		Commands: make(chan Control, 10),
		Quit:     make(chan struct{}, 1),
	}
}

func (c *Controls) send(ctrl Control) {
	if c == nil {
		return
	}
	select {
	case c.Commands <- ctrl:
	default:
	}
}

func (c *Controls) quit() {
	if c == nil {
		return
	}
	select {
	case c.Quit <- struct{}{}:
	default:
	}
}

// RunHost creates the host TUI program; the caller runs it
func RunHost(name string, port int, controls *Controls) *tea.Program {
	return tea.NewProgram(NewHostModel(name, port, controls), tea.WithAltScreen())
}

// RunListener creates the listener TUI program; the caller runs it
func RunListener(name string, controls *Controls) *tea.Program {
	return tea.NewProgram(NewListenerModel(name, controls), tea.WithAltScreen())
}
