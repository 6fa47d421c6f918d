// Package cli implements the toppy command-line surface: up and doctor
// (§6). Both subcommands share TOPPY_CONFIG resolution but otherwise own
// their own flags and exit behavior; only up sets up a logger.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "toppy",
	Short: "Least-privilege, short-lived, audited TCP tunneling over HTTP/3",
	Long: `toppy opens an authenticated tunnel session to a toppy gateway and
relays one target address through it, subject to the gateway and
client's shared allow-list policy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TOPPY_CONFIG"), "path to config file (default: $TOPPY_CONFIG)")
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(doctorCmd)
}

// Execute runs the root command and returns any error, which main maps
// to a process exit code.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("toppy: %w", err)
	}
	return nil
}

func requireConfigPath() (string, error) {
	if configPath == "" {
		return "", fmt.Errorf("config path is required: pass --config or set TOPPY_CONFIG")
	}
	return configPath, nil
}
