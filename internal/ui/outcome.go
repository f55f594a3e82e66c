package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Tone selects how an outcome box is coloured and labelled
type Tone int

const (
	ToneSuccess Tone = iota
	ToneWarning
	ToneFailure
)

type toneStyle struct {
	color  lipgloss.Color
	mark   string
	label  string
	border lipgloss.Border
}

var tones = map[Tone]toneStyle{
	ToneSuccess: {SuccessColor, markDone, "OK", lipgloss.NormalBorder()},
	ToneWarning: {WarningColor, "!", "CHECK", lipgloss.NormalBorder()},
	ToneFailure: {ErrorColor, markFailed, "FAILED", lipgloss.ThickBorder()},
}

// Outcome is the box that closes a host command: what happened, the
// figures worth keeping, and for failures the error and what to try next.
type Outcome struct {
	Tone    Tone
	Title   string
	Details Fields
	Err     error
	Tips    []string
	Width   int
}

// NewOutcome creates an outcome box
func NewOutcome(tone Tone, title string, details Fields) *Outcome {
	return &Outcome{Tone: tone, Title: title, Details: details, Width: GetTerminalWidth()}
}

// NewFailure creates a failure box for err with optional tips
func NewFailure(title string, err error, tips []string) *Outcome {
	o := NewOutcome(ToneFailure, title, nil)
	o.Err, o.Tips = err, tips
	return o
}

// SetWidth sets the terminal width for responsive rendering
func (o *Outcome) SetWidth(width int) *Outcome {
	o.Width = width
	return o
}

// Render returns the styled box as a string
func (o *Outcome) Render() string {
	t, ok := tones[o.Tone]
	if !ok {
		t = tones[ToneSuccess]
	}
	head := lipgloss.NewStyle().Foreground(t.color).Bold(true)

	lines := []string{head.Render(t.mark + " " + t.label + "  " + o.Title)}
	if o.Err != nil {
		lines = append(lines, "", lipgloss.NewStyle().Foreground(ErrorColor).Render(o.Err.Error()))
	}
	if len(o.Details) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderFields(o.Details, "")...)
	}
	if len(o.Tips) > 0 {
		lines = append(lines, "", mutedStyle.Bold(true).Render("Next steps"))
		for i, tip := range o.Tips {
			lines = append(lines, mutedStyle.Render(fmt.Sprintf("  %d. %s", i+1, tip)))
		}
	}
	return frame(t.border, t.color, o.Width).Render(strings.Join(lines, "\n"))
}

// String implements fmt.Stringer
func (o *Outcome) String() string {
	return o.Render()
}
