// Package cli implements the fleetd command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Persistent flags available to all subcommands
	adminURL   string
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd supervises a fleet of child servers",
	Long: `fleetd is a daemon that manages a fleet of child server processes:
it spawns them, probes their health, restarts them when they crash, and
enforces per-server security policy on every call routed through it.

Run 'fleetd serve' to start the daemon. Every other command talks to a
running daemon over its control API.

Configuration can be provided via flags, FLEETD_* environment variables,
or a YAML configuration file.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", defaultAdminURL(), "Control API base URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}

func defaultAdminURL() string {
	if url := os.Getenv("FLEETD_ADMIN_URL"); url != "" {
		return url
	}
	return "http://127.0.0.1:4790"
}
