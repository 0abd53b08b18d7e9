package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a server definition",
	Long: `Remove a server definition. A running instance is stopped before
the definition and its stored secrets are deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDelete(args[0])
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(id string) error {
	client := NewClientWithAuth(adminURL)
	if err := client.DeleteServer(id); err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Printf("Deleted %s\n", id)
	}
	return nil
}
