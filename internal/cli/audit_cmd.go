package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate-io/toolgate/internal/audit"
	"github.com/toolgate-io/toolgate/internal/model"
)

var (
	auditSince   time.Duration
	auditType    string
	auditTool    string
	auditSession string
	auditRisk    string
	auditLimit   int
	auditFormat  string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditStatsCmd)

	for _, c := range []*cobra.Command{auditQueryCmd, auditStatsCmd} {
		c.Flags().DurationVar(&auditSince, "since", 24*time.Hour, "Look-back window (e.g., 1h, 72h)")
		c.Flags().StringVar(&auditType, "type", "", "Filter by event type")
		c.Flags().StringVar(&auditTool, "tool", "", "Filter by tool name")
		c.Flags().StringVar(&auditSession, "session", "", "Filter by session ID")
		c.Flags().StringVar(&auditRisk, "risk", "", "Filter by risk level (low|medium|high|critical)")
	}
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum events to print")
	auditQueryCmd.Flags().StringVarP(&auditFormat, "format", "f", "text", "Output format (text|json)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List audit events in time order",
	RunE:  runAuditQuery,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate audit events by type and risk level",
	RunE:  runAuditStats,
}

func buildFilter() (audit.Filter, error) {
	f := audit.Filter{
		Since:     time.Now().UTC().Add(-auditSince),
		Type:      audit.EventType(auditType),
		Tool:      auditTool,
		SessionID: auditSession,
		Limit:     auditLimit,
	}
	if auditRisk != "" {
		level, err := model.ParseRiskLevel(auditRisk)
		if err != nil {
			return f, err
		}
		f.RiskLevel = &level
	}
	return f, nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	f, err := buildFilter()
	if err != nil {
		return err
	}
	store, err := audit.OpenSQLite(auditDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	it, err := store.Query(f)
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		count++
		if auditFormat == "json" {
			out, err := json.Marshal(e)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			continue
		}
		verdict := "allow"
		if e.Blocked {
			verdict = "block"
		}
		fmt.Printf("%s  %-24s %-8s %-5s %-20s %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Type, e.RiskLevel, verdict, truncate(e.Tool, 20), e.Reason)
	}
	if err := it.Err(); err != nil {
		return err
	}
	if count == 0 && auditFormat != "json" {
		fmt.Println("No matching audit events.")
	}
	return nil
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	f, err := buildFilter()
	if err != nil {
		return err
	}
	f.Limit = 0
	store, err := audit.OpenSQLite(auditDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.Stats(f)
	if err != nil {
		return err
	}

	fmt.Printf("Events: %d  (blocked: %d)\n", st.Total, st.Blocked)
	fmt.Println("By type:")
	for typ, n := range st.ByType {
		fmt.Printf("  %-28s %d\n", typ, n)
	}
	fmt.Println("By risk level:")
	for _, level := range []model.RiskLevel{model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical} {
		if n, ok := st.ByLevel[level]; ok {
			fmt.Printf("  %-28s %d\n", level, n)
		}
	}
	return nil
}
