package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toolgate-io/toolgate/internal/approval"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval tickets",
	Long:  "Shows all approval tickets in the store with their status, risk level, and deadline.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	store, err := approval.NewFileStore(approval.DefaultDir())
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}

	tickets, err := store.List()
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}
	if len(tickets) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("%-38s %-10s %-20s %-9s %s\n", "ID", "STATUS", "TOOL", "RISK", "DEADLINE")
	for _, t := range tickets {
		fmt.Printf("%-38s %-10s %-20s %-9s %s\n",
			t.ID,
			t.Status,
			truncate(t.Tool, 20),
			t.RiskLevel,
			t.Deadline.Local().Format("15:04:05"),
		)
		if len(t.Reasons) > 0 {
			fmt.Printf("%40s%s\n", "", truncate(strings.Join(t.Reasons, "; "), 70))
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
