package ui

import (
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

// RunOnceModel is a Bubble Tea model that renders its content once and
// exits. It gives one-shot command output the same renderer as live views.
type RunOnceModel struct {
	content string
	width   int
}

// NewRunOnceModel creates a model that will render the given content and exit
func NewRunOnceModel(content string) RunOnceModel {
	return RunOnceModel{content: content, width: GetTerminalWidth()}
}

// Init implements tea.Model
func (m RunOnceModel) Init() tea.Cmd {
	return tea.Quit
}

// Update implements tea.Model
func (m RunOnceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if ws, ok := msg.(tea.WindowSizeMsg); ok {
		m.width = ws.Width
	}
	return m, nil
}

// View implements tea.Model
func (m RunOnceModel) View() string {
	return m.content
}

// RenderOnce renders content to out through Bubble Tea and returns
func RenderOnce(out io.Writer, content string) error {
	if out == nil {
		out = os.Stdout
	}
	p := tea.NewProgram(NewRunOnceModel(content), tea.WithOutput(out), tea.WithInput(nil))
	_, err := p.Run()
	return err
}

// Printer writes UI components to a writer at a fixed width.
// Host commands that don't need a Runner print through it.
type Printer struct {
	out   io.Writer
	width int
}

// NewPrinter creates a new Printer that writes to the given writer.
// If w is nil, os.Stdout is used.
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{
		out:   w,
		width: GetTerminalWidth(),
	}
}

// Width returns the width used by this printer
func (p *Printer) Width() int {
	return p.width
}

// Println writes content with a newline
func (p *Printer) Println(content string) {
	_, _ = fmt.Fprintln(p.out, content)
}

// Newline prints an empty line
func (p *Printer) Newline() {
	_, _ = fmt.Fprintln(p.out)
}

// PrintSuccess prints a success box
func (p *Printer) PrintSuccess(title string, details Fields) {
	p.Println(NewOutcome(ToneSuccess, title, details).SetWidth(p.width).Render())
}

// PrintError prints a failure box with tips
func (p *Printer) PrintError(title string, err error, tips []string) {
	p.Println(NewFailure(title, err, tips).SetWidth(p.width).Render())
}

// PrintPanel prints a key/value panel
func (p *Printer) PrintPanel(panel *Panel) {
	p.Println(panel.SetWidth(p.width).Render())
}
