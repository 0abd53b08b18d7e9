package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/getfleetd/fleetd/pkg/cli/internal/output"
	"github.com/getfleetd/fleetd/pkg/config"
)

var updateFile string

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Replace a server definition",
	Long: `Replace an existing server definition with the contents of a file.
The definition's version is bumped; a running instance keeps its current
process until the next restart.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if updateFile == "" {
			return fmt.Errorf("no definition file given, use -f <file>")
		}
		return runUpdate(args[0], updateFile)
	},
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().StringVarP(&updateFile, "file", "f", "", "Path to definition file (- for stdin)")
}

func runUpdate(id, path string) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("reading definition: %w", err)
	}

	var def config.ServerDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parsing definition: %w", err)
	}

	client := NewClientWithAuth(adminURL)
	stored, err := client.UpdateServer(id, &def)
	if err != nil {
		return err
	}

	if jsonOutput {
		return output.JSON(stored)
	}
	fmt.Printf("Updated %s (version %d)\n", stored.ID, stored.Version)
	return nil
}
