package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/moltagent/moltagent/pkg/approval"
	"github.com/moltagent/moltagent/pkg/fleet"
	"github.com/moltagent/moltagent/pkg/manifest"
	"github.com/moltagent/moltagent/pkg/types"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every agent in the fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		var agents []struct {
			ID           string                `json:"id"`
			Name         string                `json:"name"`
			Connection   types.ConnectionState `json:"connection"`
			State        types.WorkerState     `json:"state"`
			Provider     string                `json:"provider"`
			TotalActions int64                 `json:"totalActions"`
			TotalSpend   float64               `json:"totalSpend"`
		}
		client := clientFromFlags(cmd)
		if err := client.do("GET", "/dashboard/agents", nil, &agents); err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents deployed.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCONNECTION\tSTATE\tPROVIDER\tACTIONS\tSPEND")
		for _, a := range agents {
			fmt.Fprintf(w, "%.8s\t%s\t%s\t%s\t%s\t%d\t$%.2f\n",
				a.ID, a.Name, a.Connection, a.State, a.Provider, a.TotalActions, a.TotalSpend)
		}
		return w.Flush()
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <agent-id>",
	Short: "Shut an agent down, destroy its VPS, and remove it from the fleet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := clientFromFlags(cmd)
		var resp struct {
			Removed bool `json:"removed"`
		}
		if err := client.do("DELETE", "/dashboard/agents/"+args[0], nil, &resp); err != nil {
			return err
		}
		fmt.Printf("✓ Agent %s destroyed\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker identity or the fleet summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Worker mode: describe this node.
		if path := os.Getenv("MOLTAGENT_MANIFEST"); path != "" {
			m, err := manifest.Load(path)
			if err != nil {
				return err
			}
			fmt.Printf("Worker: %s (%s)\n", m.Identity.Name, m.Identity.ID)
			fmt.Printf("  Plane:     %s\n", m.ControlPlane.URL)
			fmt.Printf("  Heartbeat: every %ds\n", m.ControlPlane.HeartbeatIntervalSec)
			return nil
		}

		var overview struct {
			Fleet        fleet.Summary    `json:"fleet"`
			Approvals    approval.Summary `json:"approvals"`
			OnlineAgents []string         `json:"onlineAgents"`
		}
		client := clientFromFlags(cmd)
		if err := client.do("GET", "/dashboard/overview", nil, &overview); err != nil {
			return err
		}
		fmt.Printf("Fleet: %d agents (%d online, %d offline)\n",
			overview.Fleet.TotalAgents, overview.Fleet.Online, overview.Fleet.Offline)
		fmt.Printf("  Actions:   %d total\n", overview.Fleet.TotalActions)
		fmt.Printf("  Spend:     $%.2f total\n", overview.Fleet.TotalSpend)
		fmt.Printf("  Approvals: %d pending\n", overview.Approvals.Pending)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(statusCmd)
}
