// ABOUTME: Host TUI showing listeners and their calibration state
// ABOUTME: Space plays or pauses, n/p skip, c recalibrates, q quits
package ui

import (
	"fmt"
	"strings"
	"time"

	clocksync "github.com/airly-sync/airly-go/internal/sync"
	tea "github.com/charmbracelet/bubbletea"
)

// PeerView is one listener as displayed by the host
type PeerView struct {
	ID     string
	Name   string
	State  clocksync.State
	Offset int64 // ns
	Delay  int64 // ns
}

// HostStatus updates the host TUI
type HostStatus struct {
	Peers    []PeerView
	Title    string
	Artist   string
	Playing  bool
	Position time.Duration
	Songs    int
}

type tickMsg time.Time

// HostModel is the bubbletea model for the host TUI
type HostModel struct {
	name      string
	port      int
	status    HostStatus
	startTime time.Time
	quitting  bool
	controls  *Controls
}

// NewHostModel creates the host model
func NewHostModel(name string, port int, controls *Controls) HostModel {
	return HostModel{
		name:      name,
		port:      port,
		startTime: time.Now(),
		controls:  controls,
	}
}

func (m HostModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m HostModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			m.controls.quit()
			return m, tea.Quit
		case " ", "space":
			m.controls.send(ControlTogglePlay)
		case "n":
			m.controls.send(ControlNext)
		case "p":
			m.controls.send(ControlPrevious)
		case "c":
			m.controls.send(ControlRecalibrate)
		}

	case tickMsg:
		return m, tickEvery()

	case HostStatus:
		m.status = msg
	}

	return m, nil
}

func (m HostModel) View() string {
	if m.quitting {
		return "Shutting down host...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Airly Host"))
	b.WriteString("\n\n")

	b.WriteString(field("Host", m.name))
	b.WriteString(field("Port", fmt.Sprintf("%d", m.port)))
	b.WriteString(field("Uptime", time.Since(m.startTime).Round(time.Second).String()))
	b.WriteString(field("Library", fmt.Sprintf("%d songs", m.status.Songs)))

	state := "paused"
	if m.status.Playing {
		state = "playing"
	}
	b.WriteString(field("Song", songLine(m.status.Title, m.status.Artist)))
	b.WriteString(field("State", fmt.Sprintf("%s at %s", state, clockTime(m.status.Position))))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Listeners (%d)", len(m.status.Peers))))
	b.WriteString("\n\n")

	if len(m.status.Peers) == 0 {
		b.WriteString(valueStyle.Render("  No listeners connected"))
		b.WriteString("\n")
	}
	for _, p := range m.status.Peers {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		b.WriteString(fmt.Sprintf("  • %-24s ", truncate(name, 24)))
		b.WriteString(renderState(p.State))
		if p.State == clocksync.StateCalibrated {
			b.WriteString(valueStyle.Render(fmt.Sprintf("  offset %s  rtt %s", millis(p.Offset), millis(p.Delay))))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("space:Play/Pause  n:Next  p:Previous  c:Recalibrate  q:Quit"))
	return b.String()
}

func renderState(s clocksync.State) string {
	switch s {
	case clocksync.StateCalibrated:
		return goodStyle.Render(s.String())
	case clocksync.StateCalibrating:
		return warnStyle.Render(s.String())
	}
	return badStyle.Render(s.String())
}
