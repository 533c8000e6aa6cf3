package main

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the colours of logs and status output.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// styles renders theme colours for one writer. Colour is dropped when w is
// not a terminal.
type styles struct {
	label   lipgloss.Style
	muted   lipgloss.Style
	good    lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	heading lipgloss.Style
}

func newStyles(w io.Writer, theme Theme) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		label:   r.NewStyle().Foreground(theme.Primary),
		muted:   r.NewStyle().Foreground(theme.Muted),
		good:    r.NewStyle().Foreground(theme.Success),
		warn:    r.NewStyle().Foreground(theme.Warning),
		bad:     r.NewStyle().Foreground(theme.Error).Bold(true),
		heading: r.NewStyle().Bold(true),
	}
}

// eventStyle picks the style for an event type.
func (s styles) eventStyle(evType string) lipgloss.Style {
	switch {
	case strings.HasSuffix(evType, "_exit"), strings.HasSuffix(evType, "_failed"), strings.HasSuffix(evType, "_destroyed"):
		return s.bad
	case strings.HasSuffix(evType, "_ready"), strings.HasSuffix(evType, "_start"):
		return s.good
	case strings.HasSuffix(evType, "_recover"), strings.HasSuffix(evType, "_stderr"), strings.HasSuffix(evType, "_not_installed"):
		return s.warn
	default:
		return s.label
	}
}
