// Dfu-host prepares signed firmware images and pushes them to devices.
//
// It signs payloads in the MCUboot layout, inspects finished images,
// discovers devices over mDNS, and drives the row-by-row update protocol
// against a device's update endpoint.
//
// Usage:
//
//	dfu-host [command] [flags]
//
// See 'dfu-host --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/securedfu/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dfu-host",
	Short: "Secure Firmware Update Host Utility",
	Long: `Host side of the secure firmware update protocol.

Signs firmware images, inspects them offline, finds devices on the local
network and streams images into a device's candidate slot. The device
verifies the signature before it will boot the new image.

Set SECUREDFU_LOG_LEVEL=debug to see protocol traffic.`,
	Version: version.Version,
	Example: `  # Create a signing key and sign a payload
  dfu-host keygen --out signing.pem
  dfu-host sign app.bin --key signing.pem --version 1.2.0 --out app.img

  # Find devices and update one
  dfu-host discover
  dfu-host update app.img --device bench-1`,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dfu-host %s (commit: %s)\n", version.Version, version.Commit)
	},
}
