package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/getfleetd/fleetd/pkg/cli/internal/output"
	"github.com/getfleetd/fleetd/pkg/config"
	"github.com/getfleetd/fleetd/pkg/supervisor"
)

var psCmd = &cobra.Command{
	Use:     "ps",
	Aliases: []string{"list", "ls"},
	Short:   "List servers and their instance state",
	Example: `  # Show all servers
  fleetd ps

  # JSON output
  fleetd ps --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPs()
	},
}

func init() {
	rootCmd.AddCommand(psCmd)
}

// psRow pairs a definition with its instance snapshot for display.
type psRow struct {
	Definition *config.ServerDefinition `json:"definition"`
	Status     *supervisor.Snapshot     `json:"status,omitempty"`
}

func runPs() error {
	client := NewClientWithAuth(adminURL)

	defs, err := client.ListServers()
	if err != nil {
		return err
	}

	rows := make([]psRow, 0, len(defs))
	for _, def := range defs {
		row := psRow{Definition: def}
		if snap, err := client.Status(def.ID); err == nil {
			row.Status = snap
		}
		rows = append(rows, row)
	}

	if jsonOutput {
		return output.JSON(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No servers registered. Add one with 'fleetd add -f server.yaml'.")
		return nil
	}

	w := output.Table()
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tPROTOCOL\tSTATE\tPID\tRESTARTS\tUPTIME")
	for _, row := range rows {
		state, pid, restarts, uptime := "unknown", "-", "0", "-"
		if s := row.Status; s != nil {
			state = string(s.State)
			restarts = fmt.Sprintf("%d", s.RestartCount)
			if s.PID > 0 {
				pid = fmt.Sprintf("%d", s.PID)
			}
			if s.StartedAt != nil {
				uptime = time.Since(*s.StartedAt).Round(time.Second).String()
			}
		}
		d := row.Definition
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Name, d.Type, d.Protocol, state, pid, restarts, uptime)
	}
	return w.Flush()
}
