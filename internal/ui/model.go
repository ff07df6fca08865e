// ABOUTME: Listener TUI showing the host, the song and clock sync health
// ABOUTME: Status messages carry partial updates from the session
package ui

import (
	"fmt"
	"strings"
	"time"

	clocksync "github.com/airly-sync/airly-go/internal/sync"
	tea "github.com/charmbracelet/bubbletea"
)

// StatusMsg updates the listener TUI. Zero fields leave the model as is.
type StatusMsg struct {
	Connected   *bool
	HostName    string
	Title       string
	Artist      string
	Playing     *bool
	Position    time.Duration
	Calibrating *bool
	SyncOffset  int64
	SyncRTT     int64
	SyncQuality *clocksync.Quality
}

// ListenerModel is the bubbletea model for the listener TUI
type ListenerModel struct {
	name     string
	controls *Controls

	// Connection
	connected bool
	hostName  string

	// Sync
	calibrating bool
	syncOffset  int64
	syncRTT     int64
	syncQuality clocksync.Quality

	// Playback
	title    string
	artist   string
	playing  bool
	position time.Duration

	showDebug bool
	quitting  bool

	width  int
	height int
}

// NewListenerModel creates the listener model
func NewListenerModel(name string, controls *Controls) ListenerModel {
	return ListenerModel{
		name:        name,
		controls:    controls,
		syncQuality: clocksync.QualityLost,
	}
}

func (m ListenerModel) Init() tea.Cmd {
	return nil
}

func (m ListenerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}
	return m, nil
}

func (m ListenerModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		m.controls.quit()
		return m, tea.Quit
	case "d":
		m.showDebug = !m.showDebug
	}
	return m, nil
}

func (m *ListenerModel) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
		if !m.connected {
			m.playing = false
		}
	}
	if msg.HostName != "" {
		m.hostName = msg.HostName
	}
	if msg.Title != "" {
		m.title = msg.Title
		m.artist = msg.Artist
	}
	if msg.Playing != nil {
		m.playing = *msg.Playing
		m.position = msg.Position
	}
	if msg.Calibrating != nil {
		m.calibrating = *msg.Calibrating
	}
	if msg.SyncQuality != nil {
		m.syncQuality = *msg.SyncQuality
		m.syncOffset = msg.SyncOffset
		m.syncRTT = msg.SyncRTT
	}
}

func (m ListenerModel) View() string {
	if m.quitting {
		return "Leaving...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Airly Listener"))
	b.WriteString("\n\n")

	b.WriteString(field("Name", m.name))
	b.WriteString(headerStyle.Render("Host: "))
	if m.connected {
		b.WriteString(goodStyle.Render(m.hostName))
	} else {
		b.WriteString(badStyle.Render("searching..."))
	}
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Sync: "))
	b.WriteString(m.renderSync())
	b.WriteString("\n\n")

	state := "paused"
	if m.playing {
		state = "playing"
	}
	b.WriteString(field("Song", songLine(m.title, m.artist)))
	b.WriteString(field("State", fmt.Sprintf("%s at %s", state, clockTime(m.position))))

	if m.showDebug {
		b.WriteString("\n")
		b.WriteString(sectionStyle.Render("Debug"))
		b.WriteString("\n")
		b.WriteString(field("  Offset", fmt.Sprintf("%dns", m.syncOffset)))
		b.WriteString(field("  RTT", fmt.Sprintf("%dns", m.syncRTT)))
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("d:Debug  q:Quit"))
	return b.String()
}

func (m ListenerModel) renderSync() string {
	if m.calibrating {
		return warnStyle.Render("⟳ calibrating")
	}
	switch m.syncQuality {
	case clocksync.QualityGood:
		return goodStyle.Render(fmt.Sprintf("✓ offset %s, rtt %s", millis(m.syncOffset), millis(m.syncRTT)))
	case clocksync.QualityDegraded:
		return warnStyle.Render(fmt.Sprintf("⚠ degraded, offset %s", millis(m.syncOffset)))
	}
	return badStyle.Render("✗ not synced")
}
