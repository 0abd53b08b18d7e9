package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getfleetd/fleetd/pkg/cli/internal/output"
)

var startCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a server instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(args[0], "start")
	},
}

var stopGraceSeconds int

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a server instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(args[0], "stop")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <id>",
	Short: "Restart a server instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(args[0], "restart")
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	stopCmd.Flags().IntVar(&stopGraceSeconds, "grace", 0, "Seconds between terminate and kill (0 = daemon default)")
}

func runLifecycle(id, action string) error {
	client := NewClientWithAuth(adminURL)

	var err error
	switch action {
	case "start":
		err = client.StartServer(id)
	case "stop":
		err = client.StopServer(id, stopGraceSeconds)
	case "restart":
		err = client.RestartServer(id)
	}
	if err != nil {
		return err
	}

	snap, err := client.Status(id)
	if err != nil {
		// The request was accepted; status is best effort.
		if !jsonOutput {
			fmt.Printf("Requested %s of %s\n", action, id)
		}
		return nil
	}

	if jsonOutput {
		return output.JSON(snap)
	}
	fmt.Printf("%s: %s\n", id, snap.State)
	return nil
}
