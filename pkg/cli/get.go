package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/getfleetd/fleetd/pkg/cli/internal/output"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a server definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(args[0])
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(id string) error {
	client := NewClientWithAuth(adminURL)

	def, err := client.GetServer(id)
	if err != nil {
		return err
	}

	if jsonOutput {
		return output.JSON(def)
	}

	fmt.Printf("ID:        %s\n", def.ID)
	fmt.Printf("Name:      %s\n", def.Name)
	fmt.Printf("Type:      %s\n", def.Type)
	fmt.Printf("Protocol:  %s\n", def.Protocol)
	if def.Command != "" {
		fmt.Printf("Command:   %s\n", strings.Join(append([]string{def.Command}, def.Args...), " "))
	}
	if def.WorkingDir != "" {
		fmt.Printf("Workdir:   %s\n", def.WorkingDir)
	}
	if def.Advanced.Port != 0 {
		fmt.Printf("Port:      %d\n", def.Advanced.Port)
	}
	fmt.Printf("AutoStart: %t\n", def.AutoStart)
	fmt.Printf("Disabled:  %t\n", def.Disabled)
	fmt.Printf("Version:   %d\n", def.Version)

	if len(def.Env) > 0 {
		keys := make([]string, 0, len(def.Env))
		for k := range def.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("Environment:")
		for _, k := range keys {
			v := def.Env[k]
			val := v.Value
			if v.Encrypted {
				val = "******** (encrypted)"
			}
			fmt.Printf("  %s=%s\n", k, val)
		}
	}

	sec := def.Security
	if sec.TokenBudget > 0 || sec.RequestsPerMinute > 0 || sec.MaxConcurrent > 0 ||
		len(sec.BlockedCommands) > 0 || sec.RequireAuth {
		fmt.Println("Security:")
		if sec.TokenBudget > 0 {
			fmt.Printf("  Token budget:        %d\n", sec.TokenBudget)
		}
		if sec.RequestsPerMinute > 0 {
			fmt.Printf("  Requests per minute: %d\n", sec.RequestsPerMinute)
		}
		if sec.MaxConcurrent > 0 {
			fmt.Printf("  Max concurrent:      %d\n", sec.MaxConcurrent)
		}
		if len(sec.BlockedCommands) > 0 {
			fmt.Printf("  Blocked commands:    %s\n", strings.Join(sec.BlockedCommands, ", "))
		}
		if sec.RequireAuth {
			fmt.Println("  Caller auth:         required")
		}
	}
	return nil
}
