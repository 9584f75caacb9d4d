package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate-io/toolgate/internal/approval"
	"github.com/toolgate-io/toolgate/internal/audit"
	"github.com/toolgate-io/toolgate/internal/model"
	"github.com/toolgate-io/toolgate/internal/policy"
)

func testPolicy() *policy.Policy {
	p := policy.Default()
	p.Permission.BlockedTools = []string{"shell_execute"}
	p.Risk.ApprovalTimeoutSeconds = 1
	return p
}

func newTestEngine(t *testing.T, pol *policy.Policy, cb approval.Callback) (*Engine, *audit.MemoryStore) {
	t.Helper()
	store := audit.NewMemoryStore()
	eng, err := New(Options{Policy: pol, PolicyHash: "sha256:test", Store: store, Callback: cb})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng, store
}

func storedEvents(t *testing.T, eng *Engine, store *audit.MemoryStore) []audit.Event {
	t.Helper()
	require.NoError(t, eng.Close())
	it, err := store.Query(audit.Filter{})
	require.NoError(t, err)
	defer it.Close()
	var out []audit.Event
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	require.NoError(t, it.Err())
	return out
}

func TestInvalidPolicyFailsClosed(t *testing.T) {
	pol := policy.Default()
	pol.Risk.ApprovalMode = "sometimes"

	_, err := New(Options{Policy: pol})
	require.Error(t, err)
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

// A blocked tool is denied before risk scoring and never creates an
// approval request.
func TestBlockedToolShortCircuits(t *testing.T) {
	eng, store := newTestEngine(t, testPolicy(), nil)

	d := eng.EvaluateToolCall(context.Background(), model.Invocation{
		Tool: "shell_execute", SessionID: "s1", AgentID: "a1",
	})

	assert.True(t, d.Blocked)
	assert.NotEmpty(t, d.Reason)
	assert.Empty(t, d.ApprovalID)
	assert.Empty(t, eng.PendingApprovals())
	assert.Empty(t, d.Assessment.Reasons, "permission-denied calls are not risk-scored")

	events := storedEvents(t, eng, store)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventToolBlocked, events[0].Type)
	assert.True(t, events[0].Blocked)
	assert.Equal(t, "sha256:test", events[0].PolicyHash)
}

func TestLowRiskAllowedWithoutApproval(t *testing.T) {
	eng, store := newTestEngine(t, testPolicy(), nil)

	d := eng.EvaluateToolCall(context.Background(), model.Invocation{
		Tool: "search", SessionID: "s1", Parameters: map[string]any{"query": "weather"},
	})

	assert.False(t, d.Blocked)
	assert.False(t, d.RequiresApproval)
	assert.Equal(t, model.RiskLow, d.Assessment.Level)

	events := storedEvents(t, eng, store)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventToolAllowed, events[0].Type)
}

// High-risk invocation approved by the callback proceeds, with the outcome
// on the consolidated event.
func TestHighRiskApprovedProceeds(t *testing.T) {
	eng, store := newTestEngine(t, testPolicy(), approval.AutoApprover{Verdict: true})

	d := eng.EvaluateToolCall(context.Background(), model.Invocation{
		Tool:       "db_admin",
		SessionID:  "s1",
		Parameters: map[string]any{"sql": "DROP TABLE users", "mode": "shell"},
	})

	assert.False(t, d.Blocked)
	assert.True(t, d.RequiresApproval)
	assert.NotEmpty(t, d.ApprovalID)
	assert.GreaterOrEqual(t, d.Assessment.Level, model.RiskHigh)

	events := storedEvents(t, eng, store)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventToolAllowed, events[0].Type)
	assert.Equal(t, audit.OutcomeApproved, events[0].ApprovalOutcome)
}

func TestApprovalDeniedBlocks(t *testing.T) {
	eng, store := newTestEngine(t, testPolicy(), approval.AutoApprover{Verdict: false})

	d := eng.EvaluateToolCall(context.Background(), model.Invocation{
		Tool:       "db_admin",
		SessionID:  "s1",
		Parameters: map[string]any{"sql": "DROP TABLE users", "mode": "shell"},
	})

	assert.True(t, d.Blocked)
	assert.NotEmpty(t, d.Reason)

	events := storedEvents(t, eng, store)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeDenied, events[0].ApprovalOutcome)
}

// An unanswered approval times out and blocks; high risk does not escalate.
func TestApprovalTimeoutBlocks(t *testing.T) {
	pol := testPolicy()
	pol.Risk.AutoEscalateCritical = false
	eng, store := newTestEngine(t, pol, silentCallback{})

	d := eng.EvaluateToolCall(context.Background(), model.Invocation{
		Tool:       "db_admin",
		SessionID:  "s1",
		Parameters: map[string]any{"sql": "DROP TABLE users", "mode": "shell"},
	})

	assert.True(t, d.Blocked)
	assert.Contains(t, d.Reason, "timeout")

	events := storedEvents(t, eng, store)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeTimedOut, events[0].ApprovalOutcome)
}

type silentCallback struct{}

func (silentCallback) Deliver(*approval.Request) error { return nil }

// A critical-risk timeout escalates instead of silently denying.
func TestCriticalTimeoutEscalates(t *testing.T) {
	pol := testPolicy()
	pol.Risk.CriticalRiskTools = []string{"prod_wipe"}
	eng, store := newTestEngine(t, pol, silentCallback{})

	d := eng.EvaluateToolCall(context.Background(), model.Invocation{
		Tool: "prod_wipe", SessionID: "s1",
	})

	assert.True(t, d.Blocked)
	assert.Contains(t, d.Reason, "escalated")

	events := storedEvents(t, eng, store)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventEscalation, events[0].Type)
	assert.Equal(t, audit.OutcomeEscalated, events[0].ApprovalOutcome)
}

// Rate-limited calls are audited with their own event type and do not
// consume additional window budget.
func TestRateLimitAudited(t *testing.T) {
	pol := testPolicy()
	pol.Permission.ToolRules = map[string]*policy.ToolRule{
		"send_email": {RateLimitPerMinute: 1},
	}
	eng, store := newTestEngine(t, pol, nil)

	inv := model.Invocation{Tool: "send_email", SessionID: "s1"}
	first := eng.EvaluateToolCall(context.Background(), inv)
	second := eng.EvaluateToolCall(context.Background(), inv)

	assert.False(t, first.Blocked)
	assert.True(t, second.Blocked)

	events := storedEvents(t, eng, store)
	require.Len(t, events, 2)
	types := map[audit.EventType]int{}
	for _, e := range events {
		types[e.Type]++
	}
	assert.Equal(t, 1, types[audit.EventToolAllowed])
	assert.Equal(t, 1, types[audit.EventRateLimited])
}

// Parameters matching redact patterns never reach the store in the clear.
func TestAuditParametersRedacted(t *testing.T) {
	eng, store := newTestEngine(t, testPolicy(), nil)

	eng.EvaluateToolCall(context.Background(), model.Invocation{
		Tool:      "search",
		SessionID: "s1",
		Parameters: map[string]any{
			"password": "hunter2",
			"query":    "weather",
		},
	})

	events := storedEvents(t, eng, store)
	require.Len(t, events, 1)
	assert.Equal(t, audit.Marker, events[0].Parameters["password"])
	assert.Equal(t, "weather", events[0].Parameters["query"])
}

// Critical risk allowed without approval leaves an explicit override note
// in the trail.
func TestCriticalOverrideRecorded(t *testing.T) {
	pol := policy.Permissive()
	pol.Risk.CriticalRiskTools = []string{"prod_wipe"}
	eng, store := newTestEngine(t, pol, nil)

	d := eng.EvaluateToolCall(context.Background(), model.Invocation{
		Tool: "prod_wipe", SessionID: "s1",
	})

	assert.False(t, d.Blocked)
	assert.Contains(t, d.Reason, "policy override")

	events := storedEvents(t, eng, store)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Reason, "approval_mode=never")
}

// Cross-session data access is denied and audited as a distinct event type.
func TestDataIsolation(t *testing.T) {
	eng, store := newTestEngine(t, testPolicy(), nil)

	denied := eng.CheckDataAccess(
		model.DataRef{Key: "notes", SessionID: "s1"},
		"read",
		model.AccessContext{SessionID: "s2"},
	)
	allowed := eng.CheckDataAccess(
		model.DataRef{Key: "notes", SessionID: "s1"},
		"read",
		model.AccessContext{SessionID: "s1"},
	)

	assert.False(t, denied.Allowed)
	assert.NotEmpty(t, denied.Reason)
	assert.True(t, allowed.Allowed)

	events := storedEvents(t, eng, store)
	require.Len(t, events, 2)
	types := map[audit.EventType]int{}
	for _, e := range events {
		types[e.Type]++
	}
	assert.Equal(t, 1, types[audit.EventIsolationViolation])
	assert.Equal(t, 1, types[audit.EventDataAccess])
}

func TestWrapExecutor(t *testing.T) {
	eng, _ := newTestEngine(t, testPolicy(), nil)

	calls := 0
	exec := eng.WrapExecutor(func(ctx context.Context, inv model.Invocation) (any, error) {
		calls++
		return "sent", nil
	})

	out, err := exec(context.Background(), model.Invocation{Tool: "search", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "sent", out)
	assert.Equal(t, 1, calls)

	_, err = exec(context.Background(), model.Invocation{Tool: "shell_execute", SessionID: "s1"})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "shell_execute", blocked.Tool)
	assert.Equal(t, 1, calls, "blocked calls never reach the executor")
}

// A cancelled approval wait blocks the call, and the reviewer's eventual
// answer is still recorded for forensics.
func TestCancelledApprovalStillAudited(t *testing.T) {
	eng, store := newTestEngine(t, testPolicy(), silentCallback{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	d := eng.EvaluateToolCall(ctx, model.Invocation{
		Tool:       "db_admin",
		SessionID:  "s1",
		Parameters: map[string]any{"sql": "DROP TABLE users", "mode": "shell"},
	})
	require.True(t, d.Blocked)
	require.NotEmpty(t, d.ApprovalID)

	// The reviewer answers after the caller gave up.
	require.NoError(t, eng.Coordinator().Resolve(d.ApprovalID, true))

	events := storedEvents(t, eng, store)
	require.Len(t, events, 2)

	var forensic *audit.Event
	for i := range events {
		if events[i].ApprovalOutcome == audit.OutcomeApproved {
			forensic = &events[i]
		}
	}
	require.NotNil(t, forensic, "late resolution must be audited")
	assert.Contains(t, forensic.Reason, "after caller cancelled")
}

// A per-tool rule can raise the risk floor and demand approval below the
// global threshold.
func TestToolRuleForcesApproval(t *testing.T) {
	pol := testPolicy()
	pol.Permission.ToolRules = map[string]*policy.ToolRule{
		"monthly_report": {RequiresApproval: true, RiskLevel: model.RiskMedium},
	}
	eng, _ := newTestEngine(t, pol, approval.AutoApprover{Verdict: true})

	d := eng.EvaluateToolCall(context.Background(), model.Invocation{
		Tool: "monthly_report", SessionID: "s1",
	})

	assert.False(t, d.Blocked)
	assert.True(t, d.RequiresApproval)
	assert.Equal(t, model.RiskMedium, d.Assessment.Level)
	require.NotEmpty(t, d.Assessment.Reasons)
	assert.Contains(t, d.Assessment.Reasons[len(d.Assessment.Reasons)-1], "minimum risk level")
}

func TestFirstTimeApprovalRemembered(t *testing.T) {
	pol := testPolicy()
	pol.Risk.ApprovalMode = model.ApprovalFirstTime
	pol.Risk.RiskThresholdForApproval = model.RiskCritical
	eng, _ := newTestEngine(t, pol, approval.AutoApprover{Verdict: true})

	inv := model.Invocation{
		Tool: "search", SessionID: "s1",
		Parameters: map[string]any{"query": "weather"},
	}

	first := eng.EvaluateToolCall(context.Background(), inv)
	assert.True(t, first.RequiresApproval, "first occurrence asks")

	second := eng.EvaluateToolCall(context.Background(), inv)
	assert.False(t, second.RequiresApproval, "approved shape does not ask again")
}
