package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolgate-io/toolgate/internal/approval"
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending tool call",
	Long:  "Marks a pending approval ticket as approved. The waiting evaluation picks up the decision and proceeds.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveTicket(args[0], true)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending tool call",
	Long:  "Marks a pending approval ticket as denied. The waiting evaluation is blocked.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveTicket(args[0], false)
	},
}

func resolveTicket(id string, approved bool) error {
	store, err := approval.NewFileStore(approval.DefaultDir())
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}
	if err := store.Resolve(id, approved); err != nil {
		return err
	}
	if approved {
		fmt.Printf("Approved %s\n", id)
	} else {
		fmt.Printf("Denied %s\n", id)
	}
	return nil
}
