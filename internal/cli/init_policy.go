package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/toolgate-io/toolgate/internal/policy"
)

func init() {
	rootCmd.AddCommand(initPolicyCmd)
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Generate default policy.yaml with comments",
	Long:  "Creates ~/.toolgate/policy.yaml with default permission, risk, audit, and isolation settings.\nEdit this file to customize guardrail behavior.",
	RunE:  runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	path := policyPath
	if path == "" {
		path = policy.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("policy already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(policy.DefaultYAML()), 0o644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	fmt.Printf("Created %s\n", path)
	return nil
}
