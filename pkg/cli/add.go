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

var addFile string

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a server from a definition file",
	Long: `Register a new server definition with the daemon. The definition is
read from a YAML (or JSON) file, validated, stored, and started right away
when it sets autoStart.`,
	Example: `  # Register from a file
  fleetd add -f server.yaml

  # Register from stdin
  cat server.yaml | fleetd add -f -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addFile == "" {
			return fmt.Errorf("no definition file given, use -f <file>")
		}
		return runAdd(addFile)
	},
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().StringVarP(&addFile, "file", "f", "", "Path to definition file (- for stdin)")
}

func runAdd(path string) error {
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
	stored, err := client.CreateServer(&def)
	if err != nil {
		return err
	}

	if jsonOutput {
		return output.JSON(stored)
	}
	fmt.Printf("Registered %s (%s)\n", stored.Name, stored.ID)
	if stored.AutoStart {
		fmt.Println("autoStart is set; the daemon is bringing it up.")
	}
	return nil
}
