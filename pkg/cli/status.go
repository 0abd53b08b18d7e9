package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/getfleetd/fleetd/pkg/cli/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show instance state for a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(args[0])
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(id string) error {
	client := NewClientWithAuth(adminURL)

	snap, err := client.Status(id)
	if err != nil {
		return err
	}

	if jsonOutput {
		return output.JSON(snap)
	}

	fmt.Printf("State:    %s\n", snap.State)
	if snap.PID > 0 {
		fmt.Printf("PID:      %d\n", snap.PID)
	}
	if snap.StartedAt != nil {
		fmt.Printf("Uptime:   %s\n", time.Since(*snap.StartedAt).Round(time.Second))
	}
	fmt.Printf("Restarts: %d\n", snap.RestartCount)
	if snap.LastExitCode != nil {
		fmt.Printf("Last exit code: %d\n", *snap.LastExitCode)
	}
	if snap.LastError != "" {
		fmt.Printf("Last error: %s\n", snap.LastError)
	}
	return nil
}
