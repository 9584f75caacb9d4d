package toolgate

import (
	"context"

	"github.com/toolgate-io/toolgate/internal/approval"
	"github.com/toolgate-io/toolgate/internal/audit"
	"github.com/toolgate-io/toolgate/internal/engine"
	"github.com/toolgate-io/toolgate/internal/model"
	"github.com/toolgate-io/toolgate/internal/policy"
)

// Call describes one tool invocation the host is about to perform.
type Call struct {
	Tool        string
	Parameters  map[string]any
	SessionID   string
	AgentID     string
	Environment string
}

// Decision mirrors the engine's verdict for host inspection.
type Decision struct {
	Blocked          bool
	Reason           string
	RequiresApproval bool
	ApprovalID       string
	RiskLevel        string
	RiskReasons      []string
}

// BlockedError is returned by wrapped tool functions when the call was
// denied. The Decision carries the full explanation.
type BlockedError struct {
	Call     Call
	Decision Decision
}

func (e *BlockedError) Error() string {
	return "toolgate: blocked " + e.Call.Tool + ": " + e.Decision.Reason
}

// ToolFunc is the function signature Wrap guards.
type ToolFunc func(ctx context.Context, call Call) (any, error)

// Guard is the embedding facade over a guardrail engine.
type Guard struct {
	eng *engine.Engine
}

// New builds a Guard from options. Policy errors fail construction; there is
// no unguarded fallback.
func New(opts ...Option) (*Guard, error) {
	var cfg guardConfig
	for _, o := range opts {
		o(&cfg)
	}

	pol := cfg.policy
	hash := ""
	if pol == nil {
		loaded, h, err := policy.LoadWithHash(cfg.policyPath)
		if err != nil {
			return nil, err
		}
		pol, hash = loaded, h
	}

	var store audit.Store
	if cfg.auditDBPath != "" {
		s, err := audit.OpenSQLite(cfg.auditDBPath)
		if err != nil {
			return nil, err
		}
		store = s
	}

	var cb approval.Callback
	if cfg.autoApprove {
		cb = approval.AutoApprover{Verdict: true}
	}

	eng, err := engine.New(engine.Options{
		Policy:     pol,
		PolicyHash: hash,
		Store:      store,
		Callback:   cb,
		Logger:     cfg.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Guard{eng: eng}, nil
}

// Evaluate runs the pipeline for one call without executing anything.
func (g *Guard) Evaluate(ctx context.Context, call Call) Decision {
	d := g.eng.EvaluateToolCall(ctx, invocation(call))
	return fromDecision(d)
}

// Wrap guards a tool function: the call is evaluated first and fn runs only
// when allowed.
func (g *Guard) Wrap(fn ToolFunc) ToolFunc {
	return func(ctx context.Context, call Call) (any, error) {
		d := g.Evaluate(ctx, call)
		if d.Blocked {
			return nil, &BlockedError{Call: call, Decision: d}
		}
		return fn(ctx, call)
	}
}

// CheckDataAccess runs the isolation guard for a stored-data reference.
func (g *Guard) CheckDataAccess(key, ownerSession, operation, session, agent string) (bool, string) {
	res := g.eng.CheckDataAccess(
		model.DataRef{Key: key, SessionID: ownerSession},
		operation,
		model.AccessContext{SessionID: session, AgentID: agent},
	)
	return res.Allowed, res.Reason
}

// Close drains the audit trail.
func (g *Guard) Close() error { return g.eng.Close() }

func invocation(c Call) model.Invocation {
	return model.Invocation{
		Tool:        c.Tool,
		Parameters:  c.Parameters,
		SessionID:   c.SessionID,
		AgentID:     c.AgentID,
		Environment: c.Environment,
	}
}

func fromDecision(d model.Decision) Decision {
	return Decision{
		Blocked:          d.Blocked,
		Reason:           d.Reason,
		RequiresApproval: d.RequiresApproval,
		ApprovalID:       d.ApprovalID,
		RiskLevel:        d.Assessment.Level.String(),
		RiskReasons:      d.Assessment.Reasons,
	}
}
