package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Header is the banner printed before a host command starts: the
// operation, the command line that started it, and its inputs.
type Header struct {
	Title   string
	Command string
	Params  Fields
	Width   int
}

// NewHeader creates a header for title
func NewHeader(title, command string, params Fields) *Header {
	return &Header{Title: title, Command: command, Params: params, Width: GetTerminalWidth()}
}

// SetWidth sets the terminal width for responsive rendering
func (h *Header) SetWidth(width int) *Header {
	h.Width = width
	return h
}

// Render returns the styled header as a string
func (h *Header) Render() string {
	lines := []string{titleStyle.Render(strings.ToUpper(h.Title))}
	if h.Command != "" {
		lines = append(lines, mutedStyle.Render("$ "+h.Command))
	}
	if len(h.Params) > 0 {
		rule := lipgloss.NewStyle().Foreground(AccentColor).
			Render(strings.Repeat("─", max(clampWidth(h.Width)-6, 10)))
		lines = append(lines, rule)
		lines = append(lines, renderFields(h.Params, "")...)
	}
	return frame(lipgloss.RoundedBorder(), AccentColor, h.Width).Render(strings.Join(lines, "\n"))
}

// String implements fmt.Stringer
func (h *Header) String() string {
	return h.Render()
}
