package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/muurk/securedfu/internal/config"
	"github.com/muurk/securedfu/internal/device"
	"github.com/muurk/securedfu/internal/logging"
)

// Command flags
var (
	profilePath string
	listenAddr  string
	metricsAddr string
	logLevel    string
	noAdvertise bool
	forceInit   bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&profilePath, "profile", "p", "", "Device profile (default: <config dir>/device.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

// resolveProfilePath returns the --profile value or the default location
func resolveProfilePath() (string, error) {
	if profilePath != "" {
		return profilePath, nil
	}
	return config.GetProfilePath()
}

// loadProfile reads the profile, falling back to defaults when the default
// location has no file yet. An explicit --profile must exist.
func loadProfile() (*config.Profile, string, error) {
	path, err := resolveProfilePath()
	if err != nil {
		return nil, "", err
	}
	p, err := config.LoadProfile(path)
	if err == nil {
		return p, path, nil
	}
	if profilePath == "" && errors.Is(err, os.ErrNotExist) {
		return config.Default(), "", nil
	}
	return nil, "", err
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the simulated device",
	Long: `Start the simulated device and serve the update endpoint.

The device boots the active slot, waits for the peer core to deliver the
device identifier and then accepts update sessions. After a verified image
is launched the device reboots into it and accepts the next session.

Flash contents are saved to flash.state_file on exit and after every launch.`,
	Example: `  # Run with the default profile
  dfu-device run

  # Custom profile, debug logging, no mDNS
  dfu-device run --profile bench.yaml --log-level debug --no-advertise

  # Serve metrics on the update port
  dfu-device run --metrics-addr ""`,
	Args: cobra.NoArgs,
	RunE: runDevice,
}

func init() {
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "Override server.listen_addr")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "-", "Override server.metrics_addr (empty serves /metrics on the update port)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&noAdvertise, "no-advertise", false, "Do not advertise the endpoint over mDNS")
}

func runDevice(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	level := logLevel
	if env := os.Getenv(logging.LogLevelEnvVar); env != "" && !cmd.Flags().Changed("log-level") {
		level = env
	}
	if err := logging.Initialize(level); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()
	logger := logging.GetLogger()

	p, path, err := loadProfile()
	if err != nil {
		return err
	}
	if path == "" {
		logger.Info("No profile found, using defaults")
	} else {
		logger.Info("Loaded profile", zap.String("path", path))
	}

	if listenAddr != "" {
		p.Server.ListenAddr = listenAddr
	}
	if metricsAddr != "-" {
		p.Server.MetricsAddr = metricsAddr
	}
	if noAdvertise {
		p.Server.Advertise = false
	}
	if p.Flash.StateFile != "" && !filepath.IsAbs(p.Flash.StateFile) && path != "" {
		p.Flash.StateFile = filepath.Join(filepath.Dir(path), p.Flash.StateFile)
	}

	d, err := device.New(p, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Device starting",
		zap.String("name", p.Device.Name),
		zap.String("active_version", d.ActiveVersion()),
	)
	return d.Run(ctx)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the device profile",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default device profile",
	Long: `Write the default profile for the reference board.

The profile lists the flash layout, the slots, the image format, update
timing and network endpoints. Edit it to simulate a different board.`,
	Example: `  dfu-device config init
  dfu-device config init --profile bench.yaml --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		path, err := resolveProfilePath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("profile %s already exists (use --force to overwrite)", path)
		}

		p := config.Default()
		p.Flash.StateFile = "flash.cbor"
		if err := p.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote default profile to %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing profile")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective device profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		p, _, err := loadProfile()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(p)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}
