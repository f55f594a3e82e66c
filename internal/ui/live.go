package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrInterrupted is returned by RunLive when the user pressed Ctrl+C
var ErrInterrupted = errors.New("interrupted")

// ReportFunc reports how far a live operation has got. It is safe for
// concurrent use.
type ReportFunc func(done, total int, label string)

type liveProgressMsg struct {
	done, total int
	label       string
}

type liveDoneMsg struct{ err error }

// liveModel draws a single progress bar that updates in place
type liveModel struct {
	title       string
	label       string
	done, total int
	bar         progress.Model
	finished    bool
	interrupted bool
	err         error
}

func newLiveModel(title string) liveModel {
	return liveModel{
		title: title,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// Init implements tea.Model
func (m liveModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m liveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case liveProgressMsg:
		m.done, m.total, m.label = msg.done, msg.total, msg.label
	case liveDoneMsg:
		m.finished, m.err = true, msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.interrupted = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-30, 20), 60)
	}
	return m, nil
}

func (m liveModel) percent() float64 {
	if m.total <= 0 {
		return 0
	}
	return float64(m.done) / float64(m.total)
}

// View implements tea.Model
func (m liveModel) View() string {
	var b strings.Builder
	b.WriteString(ProgressLabelStyle.Render(m.title))
	b.WriteString("\n\n")
	b.WriteString(lipgloss.NewStyle().PaddingLeft(2).Render(
		fmt.Sprintf("%s  %3.0f%%  [%d/%d]", m.bar.ViewAs(m.percent()), m.percent()*100, m.done, m.total)))
	b.WriteString("\n")
	if m.label != "" {
		b.WriteString(noteStyle.Render("  " + m.label))
		b.WriteString("\n")
	}
	return b.String()
}

// RunLive runs op while drawing a live progress bar on out. Ctrl+C cancels
// the context passed to op.
func RunLive(ctx context.Context, out io.Writer, title string, op func(ctx context.Context, report ReportFunc) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newLiveModel(title), tea.WithOutput(out), tea.WithContext(ctx))

	errc := make(chan error, 1)
	go func() {
		err := op(ctx, func(done, total int, label string) {
			p.Send(liveProgressMsg{done: done, total: total, label: label})
		})
		errc <- err
		p.Send(liveDoneMsg{err: err})
	}()

	final, runErr := p.Run()
	if m, ok := final.(liveModel); ok && m.interrupted {
		cancel()
		<-errc
		return ErrInterrupted
	}
	err := <-errc
	if err == nil && runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return runErr
	}
	return err
}
