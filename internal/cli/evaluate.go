package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/approval"
	"github.com/toolgate-io/toolgate/internal/audit"
	"github.com/toolgate-io/toolgate/internal/engine"
	"github.com/toolgate-io/toolgate/internal/model"
	"github.com/toolgate-io/toolgate/internal/policy"
)

var (
	evalTool    string
	evalParams  []string
	evalSession string
	evalAgent   string
	evalEnv     string
	evalAuto    string
	evalFormat  string
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVar(&evalTool, "tool", "", "Tool name to evaluate (required)")
	evaluateCmd.Flags().StringArrayVar(&evalParams, "param", nil, "Tool parameter as key=value (repeatable)")
	evaluateCmd.Flags().StringVar(&evalSession, "session", "cli", "Session ID")
	evaluateCmd.Flags().StringVar(&evalAgent, "agent", "cli", "Agent ID")
	evaluateCmd.Flags().StringVar(&evalEnv, "env", "development", "Execution environment")
	evaluateCmd.Flags().StringVar(&evalAuto, "auto", "", "Resolve approvals without a reviewer (approve|deny)")
	evaluateCmd.Flags().StringVarP(&evalFormat, "format", "f", "text", "Output format (text|json)")
	evaluateCmd.MarkFlagRequired("tool")
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one tool invocation through the guardrail pipeline",
	Long: "Runs permission, risk, and approval checks for a single invocation and\n" +
		"prints the decision. If approval is required, the command waits while the\n" +
		"pending ticket can be resolved with 'toolgate approve' or 'toolgate deny'\n" +
		"from another terminal.\n\n" +
		"Exit code 0 when allowed, 1 when blocked.",
	RunE: runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	pol, hash, err := policy.LoadWithHash(policyPath)
	if err != nil {
		return err
	}

	params, err := parseParams(evalParams)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := audit.OpenSQLite(auditDBPath())
	if err != nil {
		return err
	}

	var cb approval.Callback
	var fileStore *approval.FileStore
	switch evalAuto {
	case "approve":
		cb = approval.AutoApprover{Verdict: true}
	case "deny":
		cb = approval.AutoApprover{Verdict: false}
	case "":
		fileStore, err = approval.NewFileStore(approval.DefaultDir())
		if err != nil {
			return err
		}
		cb = fileStore
	default:
		return fmt.Errorf("invalid --auto value %q: must be approve or deny", evalAuto)
	}

	eng, err := engine.New(engine.Options{
		Policy:     pol,
		PolicyHash: hash,
		Store:      store,
		Callback:   cb,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if fileStore != nil {
		watcher := approval.NewWatcher(fileStore, eng.Coordinator(), logger)
		go watcher.Run(ctx)
	}

	decision := eng.EvaluateToolCall(ctx, model.Invocation{
		Tool:        evalTool,
		Parameters:  params,
		SessionID:   evalSession,
		AgentID:     evalAgent,
		Environment: evalEnv,
	})

	if fileStore != nil && decision.ApprovalID != "" {
		fileStore.Remove(decision.ApprovalID)
	}

	if evalFormat == "json" {
		out, err := json.MarshalIndent(decision, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	} else {
		printDecision(decision)
	}

	if decision.Blocked {
		eng.Close()
		os.Exit(1)
	}
	return nil
}

func printDecision(d model.Decision) {
	verdict := "ALLOWED"
	if d.Blocked {
		verdict = "BLOCKED"
	}
	fmt.Printf("%s  %s\n", verdict, d.Reason)
	fmt.Printf("  risk: %s\n", d.Assessment.Level)
	for _, r := range d.Assessment.Reasons {
		fmt.Printf("    - %s\n", r)
	}
	if d.ApprovalID != "" {
		fmt.Printf("  approval: %s\n", d.ApprovalID)
	}
}

// parseParams converts key=value flags into typed parameters. Numeric values
// become float64 so magnitude thresholds apply.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", p)
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			params[k] = n
		} else {
			params[k] = v
		}
	}
	return params, nil
}

func auditDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "toolgate", "audit.db")
	}
	return filepath.Join(home, ".toolgate", "audit.db")
}
