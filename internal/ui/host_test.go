// ABOUTME: Tests for the host TUI model
// ABOUTME: Checks key controls and the listener table
package ui

import (
	"testing"

	clocksync "github.com/airly-sync/airly-go/internal/sync"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostKeysSendControls(t *testing.T) {
	controls := NewControls()
	var model tea.Model = NewHostModel("living-room", 8927, controls)

	keys := []struct {
		key  tea.KeyMsg
		want Control
	}{
		{tea.KeyMsg{Type: tea.KeySpace, Runes: []rune(" ")}, ControlTogglePlay},
		{tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")}, ControlNext},
		{tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")}, ControlPrevious},
		{tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")}, ControlRecalibrate},
	}
	for _, k := range keys {
		model, _ = model.Update(k.key)
		select {
		case got := <-controls.Commands:
			assert.Equal(t, k.want, got)
		default:
			t.Fatalf("no control for %q", k.key.String())
		}
	}

	model, cmd := model.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.True(t, model.(HostModel).quitting)
	assert.Len(t, controls.Quit, 1)
}

func TestHostWithoutControls(t *testing.T) {
	var model tea.Model = NewHostModel("living-room", 8927, nil)
	assert.NotPanics(t, func() {
		model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
		model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	})
}

func TestHostViewListsPeers(t *testing.T) {
	var model tea.Model = NewHostModel("living-room", 8927, nil)
	assert.Contains(t, model.View(), "No listeners connected")

	model, _ = model.Update(HostStatus{
		Title:   "Song",
		Artist:  "Band",
		Playing: true,
		Songs:   12,
		Peers: []PeerView{
			{ID: "a", Name: "kitchen", State: clocksync.StateCalibrated, Offset: 2000000, Delay: 500000},
			{ID: "b", State: clocksync.StateCalibrating},
		},
	})

	view := model.View()
	assert.Contains(t, view, "Listeners (2)")
	assert.Contains(t, view, "kitchen")
	assert.Contains(t, view, "+2.0ms")
	assert.Contains(t, view, "calibrating")
	assert.Contains(t, view, "Band - Song")
	assert.Contains(t, view, "12 songs")
}
