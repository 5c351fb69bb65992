package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blegov",
	Short: "Bluetooth Low Energy governance engine",
	Long: `Bluetooth Low Energy (BLE) governance engine that provides:

- Desired-state governors for adapters, devices and characteristics
- Combined governors that follow a device across every adapter in range
- Discovery events for appearing and vanishing adapters and devices
- Filtered RSSI and distance estimation
- Deferred reads and writes that complete once the target is ready

Objects are addressed by URL: [protocol:]/adapter[/device[/service[/characteristic]]].
The combined adapter is addressed as /XX:XX:XX:XX:XX:XX.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(distanceCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().String("transport", "sim", "Transport to govern (sim, goble)")
	rootCmd.PersistentFlags().String("profile", "", "YAML radio profile of the sim transport (built-in profile when empty)")
	rootCmd.PersistentFlags().Duration("animate", 0, "Perturb simulated RSSI at this interval (sim transport only)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("blegov %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
