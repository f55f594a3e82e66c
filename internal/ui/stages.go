package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// StageState is where a stage of an update stands
type StageState int

const (
	StageWaiting StageState = iota
	StageActive
	StageDone
	StageFailed
)

// Stage is one phase of a host operation, such as connecting or
// transferring rows.
type Stage struct {
	Name  string
	State StageState
	Note  string
}

// Stages prints a line per stage change as an operation runs. An active
// stage is redrawn in place; finished stages stay on screen. Row counts
// reported with Rows draw a bar next to the stage.
type Stages struct {
	out     io.Writer
	list    []Stage
	bar     progress.Model
	retries int
}

// NewStages creates a tracker for the named stages, numbered from 1
func NewStages(out io.Writer, names ...string) *Stages {
	s := &Stages{
		out: out,
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(24), progress.WithoutPercentage()),
	}
	for _, name := range names {
		s.list = append(s.list, Stage{Name: name})
	}
	return s
}

// Get returns stage n
func (s *Stages) Get(n int) (Stage, bool) {
	if n < 1 || n > len(s.list) {
		return Stage{}, false
	}
	return s.list[n-1], true
}

// Retries returns the row retries seen so far
func (s *Stages) Retries() int {
	return s.retries
}

// Start marks stage n active
func (s *Stages) Start(n int, note string) {
	s.set(n, StageActive, note, "")
}

// Done marks stage n finished
func (s *Stages) Done(n int, note string) {
	s.set(n, StageDone, note, "")
}

// Fail marks stage n failed
func (s *Stages) Fail(n int, note string) {
	s.set(n, StageFailed, note, "")
}

// Rows reports row progress for stage n. retry is the retry count of the
// current row.
func (s *Stages) Rows(n, row, rows, retry int) {
	note := fmt.Sprintf("row %d/%d", row, rows)
	if retry > 0 {
		s.retries++
		note += fmt.Sprintf(", retry %d", retry)
	}
	pct := 0.0
	if rows > 0 {
		pct = float64(row) / float64(rows)
	}
	s.set(n, StageActive, note, fmt.Sprintf("%s %3.0f%%", s.bar.ViewAs(pct), pct*100))
}

func (s *Stages) set(n int, state StageState, note, tail string) {
	if n < 1 || n > len(s.list) {
		return
	}
	st := &s.list[n-1]
	st.State, st.Note = state, note

	line := s.line(n)
	if tail != "" {
		line += "  " + tail
	}
	if state == StageActive {
		// Redrawn by the next update of the same stage
		_, _ = fmt.Fprint(s.out, line+"\r")
		return
	}
	_, _ = fmt.Fprintln(s.out, line)
}

// line renders stage n as "  [n/N] ▸ Name  note"
func (s *Stages) line(n int) string {
	st := s.list[n-1]

	var mark string
	style := mutedStyle
	switch st.State {
	case StageActive:
		mark, style = markActive, lipgloss.NewStyle().Foreground(WarningColor)
	case StageDone:
		mark, style = markDone, lipgloss.NewStyle().Foreground(SuccessColor)
	case StageFailed:
		mark, style = markFailed, lipgloss.NewStyle().Foreground(ErrorColor).Bold(true)
	default:
		mark = markWaiting
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  [%d/%d] %s %s", n, len(s.list), style.Render(mark), style.Render(st.Name))
	if st.Note != "" {
		b.WriteString("  ")
		b.WriteString(noteStyle.Render(st.Note))
	}
	return b.String()
}
