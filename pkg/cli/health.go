package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/getfleetd/fleetd/pkg/cli/internal/output"
)

var healthCmd = &cobra.Command{
	Use:   "health [id]",
	Short: "Check daemon health, or show probe history for a server",
	Args:  cobra.MaximumNArgs(1),
	Example: `  # Is the daemon up?
  fleetd health

  # Recent probe results for one server
  fleetd health srv-1a2b3c`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return runDaemonHealth()
		}
		return runServerHealth(args[0])
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runDaemonHealth() error {
	client := NewClientWithAuth(adminURL)
	if err := client.Ping(); err != nil {
		return err
	}
	if jsonOutput {
		return output.JSON(map[string]string{"status": "ok"})
	}
	fmt.Println("fleetd is running")
	return nil
}

func runServerHealth(id string) error {
	client := NewClientWithAuth(adminURL)

	records, err := client.HealthHistory(id)
	if err != nil {
		return err
	}

	if jsonOutput {
		return output.JSON(records)
	}

	if len(records) == 0 {
		fmt.Println("No probe results yet.")
		return nil
	}

	w := output.Table()
	_, _ = fmt.Fprintln(w, "TIME\tRESULT\tLATENCY\tREASON")
	for _, rec := range records {
		result := "ok"
		if !rec.OK {
			result = "fail"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			rec.Timestamp.Format(time.RFC3339), result, rec.Latency.Round(time.Millisecond), rec.Reason)
	}
	return w.Flush()
}
