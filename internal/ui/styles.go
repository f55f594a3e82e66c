package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Palette
var (
	AccentColor  = lipgloss.Color("#5FAFD7")
	SuccessColor = lipgloss.Color("#43BF6D")
	ErrorColor   = lipgloss.Color("#FF5555")
	WarningColor = lipgloss.Color("#FFA500")
	MutedColor   = lipgloss.Color("#7A7A7A")
	TextColor    = lipgloss.Color("#EEEEEE")
)

const (
	MinTerminalWidth = 60
	MaxContentWidth  = 100
)

var (
	// ProgressLabelStyle is used for one-line activity notes ("Scanning...")
	ProgressLabelStyle = lipgloss.NewStyle().Foreground(TextColor).PaddingLeft(2)

	titleStyle = lipgloss.NewStyle().Foreground(TextColor).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(MutedColor)
	noteStyle  = mutedStyle.Italic(true)
	valueStyle = lipgloss.NewStyle().Foreground(TextColor)
	keyStyle   = mutedStyle
)

// Stage markers
const (
	markWaiting = "·"
	markActive  = "▸"
	markDone    = "✓"
	markFailed  = "✗"
)

// GetTerminalWidth returns the stdout width clamped to the supported range
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return MinTerminalWidth
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	return min(max(width, MinTerminalWidth), MaxContentWidth)
}

// frame returns a bordered box style of the given outer width
func frame(border lipgloss.Border, color lipgloss.Color, width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(border).
		BorderForeground(color).
		Width(clampWidth(width) - 2).
		Padding(0, 1)
}

// renderFields aligns key/value rows on the longest key
func renderFields(fields Fields, indent string) []string {
	keyWidth := 0
	for _, f := range fields {
		keyWidth = max(keyWidth, lipgloss.Width(f[0]))
	}
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		key := keyStyle.Width(keyWidth + 2).Render(f[0] + ":")
		lines = append(lines, indent+key+" "+valueStyle.Render(f[1]))
	}
	return lines
}
