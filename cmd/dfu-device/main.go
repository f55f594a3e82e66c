// Dfu-device runs a simulated dual-core device with a secure update loop.
//
// The simulator keeps its flash in memory, persists it between runs, and
// serves the row-by-row update protocol over WebSocket. Images are only
// launched after their signature verifies against the configured key.
//
// Usage:
//
//	dfu-device [command] [flags]
//
// See 'dfu-device --help' for available commands.
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
	Use:   "dfu-device",
	Short: "Secure Firmware Update Device Simulator",
	Long: `A device simulator for the secure firmware update protocol.

The simulated device has an application core running the update loop and a
peer core that owns the device identifier. The layout, image format, timing
and network endpoints come from a YAML device profile.

Use 'dfu-device config init' to write the default profile.`,
	Version: version.Version,
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
		fmt.Printf("dfu-device %s (commit: %s)\n", version.Version, version.Commit)
	},
}
