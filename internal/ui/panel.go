package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/securedfu/internal/dfu"
	"github.com/muurk/securedfu/internal/dfuerr"
)

// Field is one labelled value: {key, value}
type Field [2]string

// Fields keeps labelled values in the order they were added
type Fields []Field

// Add appends a field
func (f Fields) Add(key, value string) Fields {
	return append(f, Field{key, value})
}

// Get returns the value of the first field named key
func (f Fields) Get(key string) string {
	for _, field := range f {
		if field[0] == key {
			return field[1]
		}
	}
	return ""
}

// Panel is a bordered box of aligned key/value rows, used for device
// status reports and image summaries.
type Panel struct {
	Title string
	Rows  Fields
	Width int
}

// NewPanel creates an empty panel
func NewPanel(title string) *Panel {
	return &Panel{Title: title, Width: GetTerminalWidth()}
}

// SetWidth sets the terminal width for responsive rendering
func (p *Panel) SetWidth(width int) *Panel {
	p.Width = width
	return p
}

// Add appends a row
func (p *Panel) Add(key, value string) *Panel {
	p.Rows = p.Rows.Add(key, value)
	return p
}

// Render returns the styled panel as a string
func (p *Panel) Render() string {
	lines := append([]string{titleStyle.Foreground(MutedColor).Render(p.Title), ""}, renderFields(p.Rows, "")...)
	return frame(lipgloss.RoundedBorder(), MutedColor, p.Width-2).Render(strings.Join(lines, "\n"))
}

// String implements fmt.Stringer
func (p *Panel) String() string {
	return p.Render()
}

// ReportPanel lays out a device status report
func ReportPanel(r *dfu.Report) *Panel {
	p := NewPanel("Device Status")
	p.Add("State", r.State.String())
	if r.DeviceID != 0 {
		p.Add("Device ID", fmt.Sprintf("0x%08X", r.DeviceID))
	} else {
		p.Add("Device ID", "(not yet received)")
	}
	p.Add("Active", orNone(r.ActiveVersion))
	p.Add("Candidate", orNone(r.CandidateVersion))
	p.Add("Slot", fmt.Sprintf("0x%08x +0x%x", r.CandidateStart, r.CandidateLength))
	p.Add("Row size", fmt.Sprintf("%d bytes", r.RowSize))
	if r.LastStatus != dfuerr.StatusSuccess || r.LastError != "" {
		p.Add("Last error", fmt.Sprintf("0x%02x %s", r.LastStatus, r.LastError))
	}

	c := r.Counters
	p.Add("Commands", fmt.Sprintf("%d (%d rejected)", c.Commands, c.Rejected))
	p.Add("Rows", fmt.Sprintf("%d written, %d erased", c.RowsWritten, c.RowsErased))
	p.Add("Verifications", fmt.Sprintf("%d (%d failed)", c.Verifications, c.VerifyFailed))
	p.Add("Timeouts", fmt.Sprintf("%d", c.Timeouts))
	return p
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
