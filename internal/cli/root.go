// Package cli implements the toolgate command line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var policyPath string

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Guardrail pipeline for AI agent tool calls",
	Long:  "Evaluates agent tool invocations against permission, risk, approval, and data isolation policies, with a queryable audit trail of every decision.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "Path to policy YAML (default ~/.toolgate/policy.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
