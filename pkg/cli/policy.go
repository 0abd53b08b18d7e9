package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/getfleetd/fleetd/pkg/cli/internal/output"
	"github.com/getfleetd/fleetd/pkg/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy <id>",
	Short: "Show policy counters for a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPolicy(args[0])
	},
}

var policyResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Refill a server's token budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPolicyReset(args[0])
	},
}

func init() {
	policyCmd.AddCommand(policyResetCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicy(id string) error {
	client := NewClientWithAuth(adminURL)

	snap, err := client.Policy(id)
	if err != nil {
		return err
	}
	return printPolicy(snap)
}

func runPolicyReset(id string) error {
	client := NewClientWithAuth(adminURL)

	snap, err := client.ResetPolicy(id)
	if err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Println("Budget refilled.")
	}
	return printPolicy(snap)
}

func printPolicy(snap *policy.Snapshot) error {
	if jsonOutput {
		return output.JSON(snap)
	}

	fmt.Printf("In flight:     %d\n", snap.InFlight)
	fmt.Printf("Window count:  %d\n", snap.WindowCount)
	if snap.BudgetLimit > 0 {
		fmt.Printf("Budget:        %d/%d remaining\n", snap.RemainingBudget, snap.BudgetLimit)
		if !snap.BudgetResetsAt.IsZero() {
			fmt.Printf("Budget resets: %s\n", snap.BudgetResetsAt.Format(time.RFC3339))
		}
	} else {
		fmt.Println("Budget:        unlimited")
	}
	return nil
}
