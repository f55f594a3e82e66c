// Package ui renders dfu-host output with Lipgloss.
//
// A command prints a Header naming the operation and its inputs, reports
// each stage of the work through Stages, and closes with an Outcome box.
// Device reports and image summaries are shown in a Panel. Long transfers
// use RunLive, a small Bubble Tea program that redraws a row bar in place.
//
// Runner ties these together:
//
//	runner := ui.NewRunner(ui.RunnerConfig{
//	    Title:  "Firmware Update",
//	    Params: ui.Fields{}.Add("Device", url),
//	    Stages: []string{"Connect", "Transfer image", "Verify and launch"},
//	})
//	_, err := runner.Run(ctx, func(ctx context.Context, stages *ui.Stages) (ui.Fields, error) {
//	    stages.Start(1, "")
//	    ...
//	    stages.Done(1, url)
//	    return nil, nil
//	})
//
// Logging is controlled by the SECUREDFU_LOG_LEVEL environment variable.
// When it is unset zap stays silent so the output reads cleanly.
package ui
