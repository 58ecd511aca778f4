// Command nearbyupgrade is a thin demonstration CLI over the bandwidth-
// upgrade and presence packages: it runs a local simulation of the upgrade
// handshake, reports on one, and renders a discovered endpoint's upgrade
// path as a QR code for manual Bluetooth pairing.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nearbyupgrade",
	Short: "Demonstration CLI for the Nearby bandwidth-upgrade and presence stack",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the nearbyupgrade version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: /etc/nearbyupgrade/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "v", "v", false, "enable verbose/debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(qrCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
