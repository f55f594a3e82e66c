package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/muurk/securedfu/internal/config"
	"github.com/muurk/securedfu/internal/discovery"
	"github.com/muurk/securedfu/internal/image"
	"github.com/muurk/securedfu/internal/logging"
	"github.com/muurk/securedfu/internal/transport"
	"github.com/muurk/securedfu/internal/ui"
	"github.com/muurk/securedfu/internal/updater"
)

// Device command flags
var (
	deviceTarget string
	scanTimeout  time.Duration
	respTimeout  time.Duration
	retries      int
	assumeYes    bool
	plainOutput  bool
	nickname     string
)

func init() {
	// Common flags for device commands (persistent on root)
	rootCmd.PersistentFlags().StringVarP(&deviceTarget, "device", "d", "", "Device URL, host:port, nickname, instance name or hex ID")
	rootCmd.PersistentFlags().DurationVar(&scanTimeout, "scan-timeout", 0, "mDNS discovery timeout (default from host config)")
	rootCmd.PersistentFlags().DurationVar(&respTimeout, "timeout", transport.DefaultResponseTimeout, "Time to wait for each device response")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(updateCmd)
}

// target is a resolved update endpoint
type target struct {
	URL string
	ID  string // Hex device ID when known from discovery or the registry
}

// resolveTarget turns the --device value into an endpoint URL. URLs and
// host:port pairs are used as given; anything else is looked up in the
// registry and then on the network.
func resolveTarget(ctx context.Context, value string, reg *config.Registry, scanner *discovery.Scanner) (target, error) {
	switch {
	case strings.HasPrefix(value, "ws://"), strings.HasPrefix(value, "wss://"):
		return target{URL: value}, nil
	case value != "":
		if _, _, err := net.SplitHostPort(value); err == nil {
			return target{URL: "ws://" + value + transport.DefaultPath}, nil
		}
	}

	if reg != nil && value != "" {
		if id, ok := reg.FindByNickname(value); ok {
			value = id
		}
	}

	if value == "" {
		devices, err := scanner.ScanForDevices(ctx)
		if err != nil {
			return target{}, err
		}
		switch len(devices) {
		case 0:
			return target{}, errors.New("no devices found; pass --device")
		case 1:
			return targetOf(devices[0]), nil
		default:
			names := make([]string, 0, len(devices))
			for _, d := range devices {
				names = append(names, d.Instance)
			}
			return target{}, fmt.Errorf("%d devices found (%s); pass --device", len(devices), strings.Join(names, ", "))
		}
	}

	d, err := scanner.FindDevice(ctx, value)
	if err != nil {
		return target{}, err
	}
	return targetOf(d), nil
}

func targetOf(d *discovery.Device) target {
	return target{URL: d.URL(), ID: fmt.Sprintf("%08X", d.ID)}
}

func newScanner(reg *config.Registry) *discovery.Scanner {
	s := discovery.NewScanner()
	switch {
	case scanTimeout > 0:
		s.Timeout = scanTimeout
	case reg != nil && reg.Preferences.DiscoverTimeout > 0:
		s.Timeout = time.Duration(reg.Preferences.DiscoverTimeout) * time.Second
	}
	return s
}

// connect resolves the target and opens an update session
func connect(ctx context.Context, reg *config.Registry) (*transport.Client, target, error) {
	t, err := resolveTarget(ctx, deviceTarget, reg, newScanner(reg))
	if err != nil {
		return nil, target{}, err
	}
	c, err := transport.Dial(ctx, t.URL, logging.GetLogger())
	if err != nil {
		return nil, t, err
	}
	c.SetTimeout(respTimeout)
	return c, t, nil
}

// loadRegistry returns the host registry, or an empty one when it cannot
// be read. The registry only adds convenience.
func loadRegistry() *config.Registry {
	reg, err := config.LoadRegistry()
	if err != nil {
		logging.Warn("Host configuration unavailable: " + err.Error())
		return config.NewRegistry()
	}
	return reg
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find update endpoints on the local network",
	Long: `Browse mDNS for devices advertising the secure update service and list them.

Discovered devices are remembered in the host configuration so they can be
addressed by nickname later.`,
	Example: `  dfu-host discover
  dfu-host discover --scan-timeout 15s

  # Remember the only device found as "bench"
  dfu-host discover --nickname bench`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().StringVar(&nickname, "nickname", "", "Nickname to store when exactly one device is found")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	_ = logging.InitializeFromEnv()

	reg := loadRegistry()
	scanner := newScanner(reg)
	p := ui.NewPrinter(cmd.OutOrStdout())

	p.Println(ui.ProgressLabelStyle.Render(fmt.Sprintf("Scanning for devices (timeout: %s)...", scanner.Timeout)))
	p.Newline()

	devices, err := scanner.ScanForDevices(cmd.Context())
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if len(devices) == 0 {
		p.PrintError("No devices found", nil, []string{
			"Ensure the device is powered and on the same network",
			"Check that the device profile has server.advertise enabled",
			"Try increasing --scan-timeout",
			"Use --device host:port to skip discovery",
		})
		return nil
	}

	for _, d := range devices {
		id := fmt.Sprintf("%08X", d.ID)
		reg.UpdateDeviceLastSeen(id, d.Addr())

		panel := ui.NewPanel(d.Instance).
			Add("ID", "0x"+id).
			Add("Endpoint", d.URL()).
			Add("Version", d.Version)
		if known := reg.GetDevice(id); known != nil && known.Nickname != "" {
			panel.Add("Nickname", known.Nickname)
		}
		p.PrintPanel(panel)
	}

	if nickname != "" {
		if len(devices) != 1 {
			return fmt.Errorf("--nickname needs exactly one device, found %d", len(devices))
		}
		reg.SetDeviceNickname(fmt.Sprintf("%08X", devices[0].ID), nickname)
	}
	if err := reg.Save(); err != nil {
		logging.Warn("Failed to save host configuration: " + err.Error())
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the update status of a device",
	Long: `Ask a device for its update report: state, device ID, image versions,
the last error and protocol counters.`,
	Example: `  dfu-host status --device 192.168.1.20:8765
  dfu-host status --device bench`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	_ = logging.InitializeFromEnv()

	ctx := cmd.Context()
	reg := loadRegistry()
	client, t, err := connect(ctx, reg)
	if err != nil {
		return err
	}
	defer client.Close()

	report, err := updater.Status(ctx, client)
	if err != nil {
		return err
	}

	panel := ui.ReportPanel(report)
	panel.Title = "Device Status · " + t.URL
	return ui.RenderOnce(cmd.OutOrStdout(), panel.Render()+"\n")
}

var updateCmd = &cobra.Command{
	Use:   "update <image>",
	Short: "Write a signed image to a device",
	Long: `Stream a signed image into the device's candidate slot and ask it to boot.

This command will:
  1. Check the image decodes and read its version
  2. Connect to the device update endpoint
  3. Erase, write and compare every row of the candidate slot
  4. Ask the device to verify the signature and launch the image

Rows that fail to write or compare are resent up to --retries times. The
device rejects images that are not signed with its key; a rejected image is
never executed.`,
	Example: `  dfu-host update app.img --device bench
  dfu-host update app.img --device ws://10.0.0.5:8765/dfu --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().IntVar(&retries, "retries", -1, "Resends per failed row (default from host config)")
	updateCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip the confirmation prompt")
	updateCmd.Flags().BoolVar(&plainOutput, "plain", false, "Print step lines instead of a live progress bar")
}

var updateTips = []string{
	"Check the image was signed with the key the device trusts (dfu-host inspect --key)",
	"Make sure no other host holds an update session",
	"Run 'dfu-host status' to see the device's last error",
	"Set SECUREDFU_LOG_LEVEL=debug to trace protocol traffic",
}

func runUpdate(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	_ = logging.InitializeFromEnv()
	defer logging.Sync()

	img, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	info, err := image.Inspect(img)
	if err != nil {
		ui.PrintFailure("Not a valid image", err, []string{"Sign the payload with 'dfu-host sign' first"})
		return err
	}

	reg := loadRegistry()
	if retries < 0 {
		retries = reg.Preferences.RowRetries
	}

	label := deviceTarget
	if label == "" {
		label = "(discover)"
	}
	if !assumeYes && !ui.UpdateConfirmation(deviceTarget) {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	live := !plainOutput && term.IsTerminal(int(os.Stdout.Fd()))
	runner := ui.NewRunner(ui.RunnerConfig{
		Title:   "Firmware Update",
		Command: "dfu-host update",
		Params: ui.Fields{}.
			Add("Device", label).
			Add("Image", args[0]).
			Add("Version", info.Header.Version.String()),
		Stages: []string{"Connect", "Transfer image", "Verify and launch"},
		Output: cmd.OutOrStdout(),
		Tips:   updateTips,
	})

	var res *updater.Result
	_, err = runner.Run(ctx, func(ctx context.Context, stages *ui.Stages) (ui.Fields, error) {
		stages.Start(stageConnect, "")
		client, t, err := connect(ctx, reg)
		if err != nil {
			stages.Fail(stageConnect, "")
			return nil, err
		}
		defer client.Close()
		stages.Done(stageConnect, t.URL)

		res, err = upload(ctx, client, img, stages, live)
		if res != nil && res.Report != nil {
			runner.SetPanel(ui.ReportPanel(res.Report))
		}
		if err != nil {
			return resultDetails(res), err
		}

		if res.Report != nil && res.Report.DeviceID != 0 {
			t.ID = fmt.Sprintf("%08X", res.Report.DeviceID)
		}
		if t.ID != "" {
			reg.RecordUpdate(t.ID, strings.TrimPrefix(t.URL, "ws://"), info.Header.Version.String())
			if err := reg.Save(); err != nil {
				logging.Warn("Failed to save host configuration: " + err.Error())
			}
		}
		return resultDetails(res), nil
	})
	return err
}

// Stages of an update, numbered for ui.Stages
const (
	stageConnect = iota + 1
	stageTransfer
	stageVerify
)

// upload drives the transfer, reporting rows through a live bar or stage lines
func upload(ctx context.Context, client *transport.Client, img []byte, stages *ui.Stages, live bool) (*updater.Result, error) {
	var res *updater.Result
	transfer := func(ctx context.Context, onProgress func(updater.Progress)) error {
		var err error
		res, err = updater.New(client, updater.Options{
			Retries:    retries,
			Logger:     logging.GetLogger(),
			OnProgress: onProgress,
		}).Upload(ctx, img)
		return err
	}
	rowsDone := func(n int) {
		stages.Done(stageTransfer, fmt.Sprintf("%d rows", n))
	}

	stages.Start(stageTransfer, "")
	var err error
	if live {
		err = ui.RunLive(ctx, os.Stdout, "Writing rows", func(ctx context.Context, report ui.ReportFunc) error {
			return transfer(ctx, func(p updater.Progress) {
				switch p.Phase {
				case updater.PhaseRows:
					note := fmt.Sprintf("row %d/%d", p.Row, p.Rows)
					if p.Retry > 0 {
						note += fmt.Sprintf(", retry %d", p.Retry)
					}
					report(p.Row, p.Rows, note)
				case updater.PhaseComplete:
					report(p.Rows, p.Rows, p.Phase.String())
				}
			})
		})
		if res != nil && (err == nil || res.Report != nil) {
			rowsDone(res.Rows)
		}
	} else {
		err = transfer(ctx, func(p updater.Progress) {
			switch p.Phase {
			case updater.PhaseRows:
				stages.Rows(stageTransfer, p.Row, p.Rows, p.Retry)
			case updater.PhaseComplete:
				rowsDone(p.Rows)
				stages.Start(stageVerify, "")
			}
		})
	}

	switch {
	case err == nil:
		stages.Done(stageVerify, "launched")
	case res != nil && res.Report != nil:
		// The device answered Complete, so the transfer itself finished
		stages.Fail(stageVerify, "rejected")
	default:
		stages.Fail(stageTransfer, "")
	}
	return res, err
}

func resultDetails(res *updater.Result) ui.Fields {
	if res == nil {
		return nil
	}
	details := ui.Fields{}.
		Add("Rows", fmt.Sprintf("%d", res.Rows)).
		Add("Retries", fmt.Sprintf("%d", res.Retries)).
		Add("Bytes", fmt.Sprintf("%d", res.Bytes))
	if res.Report != nil && res.Report.DeviceID != 0 {
		details = details.Add("Device ID", fmt.Sprintf("0x%08X", res.Report.DeviceID))
	}
	return details
}
