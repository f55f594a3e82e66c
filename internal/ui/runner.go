package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// RunnerConfig describes a host command run through a Runner
type RunnerConfig struct {
	Title   string
	Command string
	Params  Fields
	Stages  []string
	Output  io.Writer
	Tips    []string // shown when the operation fails
}

// Runner prints a header, hands the operation a stage tracker, then
// closes with an outcome box and an optional panel.
type Runner struct {
	config RunnerConfig
	out    io.Writer
	width  int
	panel  *Panel
}

// NewRunner creates a runner; Output defaults to stdout
func NewRunner(config RunnerConfig) *Runner {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Runner{config: config, out: config.Output, width: GetTerminalWidth()}
}

// Operation is the work a Runner displays. It returns the details shown
// in the outcome box.
type Operation func(ctx context.Context, stages *Stages) (Fields, error)

// SetPanel attaches a panel printed after the outcome
func (r *Runner) SetPanel(p *Panel) {
	r.panel = p
}

// Run executes op and renders its outcome. The elapsed time is appended
// to the returned details.
func (r *Runner) Run(ctx context.Context, op Operation) (Fields, error) {
	start := time.Now()
	_, _ = fmt.Fprintln(r.out, NewHeader(r.config.Title, r.config.Command, r.config.Params).SetWidth(r.width).Render())
	_, _ = fmt.Fprintln(r.out)

	details, err := op(ctx, NewStages(r.out, r.config.Stages...))
	details = details.Add("Duration", time.Since(start).Round(time.Millisecond).String())

	var o *Outcome
	if err != nil {
		o = NewFailure(r.config.Title+" failed", err, r.config.Tips)
		o.Details = details
	} else {
		o = NewOutcome(ToneSuccess, r.config.Title+" complete", details)
	}
	_, _ = fmt.Fprintln(r.out)
	_, _ = fmt.Fprintln(r.out, o.SetWidth(r.width).Render())

	if r.panel != nil {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, r.panel.SetWidth(r.width).Render())
	}
	return details, err
}

// PrintSuccess prints a success box to stdout
func PrintSuccess(title string, details Fields) {
	fmt.Println()
	fmt.Println(NewOutcome(ToneSuccess, title, details).Render())
}

// PrintWarning prints a warning box to stdout
func PrintWarning(title string, details Fields) {
	fmt.Println()
	fmt.Println(NewOutcome(ToneWarning, title, details).Render())
}

// PrintFailure prints a failure box to stdout
func PrintFailure(title string, err error, tips []string) {
	fmt.Println()
	fmt.Println(NewFailure(title, err, tips).Render())
}
