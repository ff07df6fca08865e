// ABOUTME: Shared lipgloss styles and formatting helpers
// ABOUTME: Used by both the host and listener views
package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("220"))

	goodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().Faint(true)
)

func field(label, value string) string {
	return headerStyle.Render(label+": ") + valueStyle.Render(value) + "\n"
}

// millis renders a nanosecond offset or delay in milliseconds
func millis(ns int64) string {
	return fmt.Sprintf("%+.1fms", float64(ns)/float64(time.Millisecond))
}

// clockTime renders a playback position as m:ss
func clockTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func songLine(title, artist string) string {
	if title == "" {
		return "nothing loaded"
	}
	if artist == "" {
		return truncate(title, 48)
	}
	return truncate(artist+" - "+title, 48)
}
