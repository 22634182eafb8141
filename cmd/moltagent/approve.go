package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltagent/moltagent/pkg/types"
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "List pending approvals or record a verdict",
	Long: `Without flags, list the pending approval queue.

Examples:
  moltagent approve
  moltagent approve --approve 7d3f...
  moltagent approve --deny 7d3f... --reason "over budget"`,
	RunE: runApprove,
}

func init() {
	approveCmd.Flags().String("approve", "", "Approve the given approval id")
	approveCmd.Flags().String("deny", "", "Deny the given approval id")
	approveCmd.Flags().String("reason", "", "Optional reason attached to the verdict")
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	approveID, _ := cmd.Flags().GetString("approve")
	denyID, _ := cmd.Flags().GetString("deny")
	reason, _ := cmd.Flags().GetString("reason")
	client := clientFromFlags(cmd)

	if approveID != "" && denyID != "" {
		return fmt.Errorf("--approve and --deny are mutually exclusive")
	}

	if approveID != "" || denyID != "" {
		id := approveID
		approved := true
		if denyID != "" {
			id = denyID
			approved = false
		}
		body := map[string]interface{}{
			"approved":    approved,
			"reason":      reason,
			"respondedBy": "cli",
		}
		var resolved types.PendingApproval
		if err := client.do("POST", "/dashboard/approvals/"+id+"/respond", body, &resolved); err != nil {
			return err
		}
		fmt.Printf("✓ Approval %s %s\n", id, resolved.State)
		return nil
	}

	var pending []types.PendingApproval
	if err := client.do("GET", "/dashboard/approvals", nil, &pending); err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tCATEGORY\tAMOUNT\tEXPIRES\tDESCRIPTION")
	for _, p := range pending {
		amount := "-"
		if p.Amount > 0 {
			amount = fmt.Sprintf("$%.2f", p.Amount)
		}
		fmt.Fprintf(w, "%.8s\t%.8s\t%s\t%s\t%s\t%s\n",
			p.ID, p.AgentID, p.Category, amount,
			p.ExpiresAt.Format(time.RFC3339), p.Description)
	}
	return w.Flush()
}
