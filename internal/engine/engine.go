// Package engine orchestrates the guardrail pipeline: permission evaluation,
// risk classification, approval coordination, and audit recording, in that
// order. One consolidated audit event is written per evaluation, reflecting
// the final outcome rather than one event per stage.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/approval"
	"github.com/toolgate-io/toolgate/internal/audit"
	"github.com/toolgate-io/toolgate/internal/bus"
	"github.com/toolgate-io/toolgate/internal/isolation"
	"github.com/toolgate-io/toolgate/internal/metrics"
	"github.com/toolgate-io/toolgate/internal/model"
	"github.com/toolgate-io/toolgate/internal/permission"
	"github.com/toolgate-io/toolgate/internal/policy"
	"github.com/toolgate-io/toolgate/internal/ratelimit"
	"github.com/toolgate-io/toolgate/internal/risk"
)

// Options configures an Engine. Zero values get safe defaults: in-memory
// audit store, deny-everything approval callback, no-op bus, private metrics
// registry.
type Options struct {
	Policy     *policy.Policy
	PolicyHash string
	Store      audit.Store
	Callback   approval.Callback
	Bus        bus.Bus
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Engine evaluates tool invocations and data accesses against one immutable
// policy. Engines are independent; multi-tenant setups hold one Engine per
// policy.
type Engine struct {
	pol        *policy.Policy
	perms      *permission.Evaluator
	classifier *risk.Classifier
	limiter    *ratelimit.Limiter
	coord      *approval.Coordinator
	guard      *isolation.Guard
	recorder   *audit.Recorder
	store      audit.Store
	bus        bus.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New validates the policy and builds the pipeline. Any policy or pattern
// error is a ConfigurationError: the engine fails closed, never open.
func New(opts Options) (*Engine, error) {
	pol := opts.Policy
	if pol == nil {
		pol = policy.Default()
	}
	if err := pol.Validate(); err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = audit.NewMemoryStore()
	}
	cb := opts.Callback
	if cb == nil {
		// No delivery channel means nobody can approve: deny immediately
		// instead of stalling every caller until the deadline.
		cb = approval.AutoApprover{Verdict: false}
	}
	b := opts.Bus
	if b == nil {
		b = bus.Nop{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}

	redactor, err := audit.NewRedactor(pol.Audit.RedactPatterns)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	guard, err := isolation.NewGuard(&pol.Isolation)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	limiter := ratelimit.New()
	e := &Engine{
		pol:        pol,
		perms:      permission.NewEvaluator(&pol.Permission, limiter),
		classifier: risk.NewClassifier(&pol.Risk),
		limiter:    limiter,
		guard:      guard,
		store:      store,
		bus:        b,
		metrics:    m,
		logger:     logger,
	}
	e.recorder = audit.NewRecorder(store, redactor, logger, audit.RecorderConfig{
		BufferSize: pol.Audit.BufferSize,
		Workers:    pol.Audit.Workers,
		PolicyHash: opts.PolicyHash,
		OnFailure:  func(audit.WriteFailure) { m.AuditWriteFailure() },
	})
	e.coord = approval.NewCoordinator(cb, approval.Config{
		Timeout:              pol.Risk.ApprovalTimeout(),
		AutoEscalateCritical: pol.Risk.AutoEscalateCritical,
	}, logger)
	e.coord.OnResolved(e.approvalResolved)
	return e, nil
}

// EvaluateToolCall runs the full pipeline for one invocation. The call is
// synchronous except for the approval wait; ctx cancellation releases that
// wait and blocks the call.
func (e *Engine) EvaluateToolCall(ctx context.Context, inv model.Invocation) model.Decision {
	start := time.Now()

	// Stage 1: permission. A call that is not permitted is never risk-scored.
	perm := e.perms.Evaluate(inv)
	if !perm.Allowed {
		d := model.Decision{Blocked: true, Reason: perm.Reason}
		typ := audit.EventToolBlocked
		if perm.MatchedRule == permission.RuleRateLimit {
			typ = audit.EventRateLimited
			e.metrics.RateLimitHit(inv.Tool)
		}
		e.metrics.Block(perm.MatchedRule)
		e.record(typ, inv, d, "")
		e.publish(bus.StagePermissionDenied, inv, model.RiskLow, perm.Reason)
		e.finish(inv.Tool, "blocked", start)
		return d
	}

	// Stage 2: risk. A per-tool rule can floor the level and force approval;
	// approval_mode=never stays the global off switch.
	assessment := e.classifier.Assess(inv)
	if rule := e.perms.ToolRule(inv.Tool); rule != nil {
		if rule.RiskLevel > assessment.Level {
			assessment.Level = rule.RiskLevel
			assessment.Reasons = append(assessment.Reasons,
				fmt.Sprintf("tool rule sets minimum risk level %s", rule.RiskLevel))
			assessment.RequiresApproval = e.classifier.RequiresApproval(inv, assessment.Level)
		}
		if rule.RequiresApproval && e.pol.Risk.ApprovalMode != model.ApprovalNever {
			assessment.RequiresApproval = true
		}
	}
	e.publish(bus.StageRiskAssessment, inv, assessment.Level, "")

	// Stage 3: approval.
	var outcome audit.ApprovalOutcome
	var approvalID string
	if assessment.RequiresApproval {
		req := e.coord.Submit(inv, assessment)
		approvalID = req.ID
		e.publish(bus.StageApprovalRequested, inv, assessment.Level, "")
		e.metrics.SetPendingApprovals(len(e.coord.Pending()))

		status, err := e.coord.Await(ctx, req)
		if err != nil {
			// Caller cancelled. The request stays registered; its eventual
			// outcome is still logged by the resolution hook.
			d := model.Decision{
				Blocked:          true,
				Reason:           fmt.Sprintf("approval wait cancelled: %v", err),
				RequiresApproval: true,
				ApprovalID:       approvalID,
				Assessment:       assessment,
			}
			e.metrics.Block("approval_cancelled")
			e.record(audit.EventToolBlocked, inv, d, "")
			e.finish(inv.Tool, "blocked", start)
			return d
		}
		defer e.coord.Release(req.ID)

		switch status {
		case approval.StatusApproved:
			outcome = audit.OutcomeApproved
			e.classifier.MarkApproved(inv)
			e.publish(bus.StageApprovalGranted, inv, assessment.Level, "")
		case approval.StatusDenied:
			e.publish(bus.StageApprovalDenied, inv, assessment.Level, "")
			return e.block(inv, assessment, approvalID, audit.OutcomeDenied,
				audit.EventToolBlocked, "approval denied", start)
		case approval.StatusTimedOut:
			return e.block(inv, assessment, approvalID, audit.OutcomeTimedOut,
				audit.EventToolBlocked, "approval timeout: no decision before deadline", start)
		case approval.StatusEscalated:
			e.publish(bus.StageEscalation, inv, assessment.Level, "escalated")
			return e.block(inv, assessment, approvalID, audit.OutcomeEscalated,
				audit.EventEscalation, "escalated", start)
		}
	}

	// Stage 4: allow. A critical invocation passing without approval is only
	// possible through an explicit policy mode, and the audit trail says so.
	reason := "allowed"
	if assessment.Level >= model.RiskCritical && !assessment.RequiresApproval {
		reason = fmt.Sprintf("critical risk allowed by policy override (approval_mode=%s)", e.pol.Risk.ApprovalMode)
	}
	d := model.Decision{
		Reason:           reason,
		RequiresApproval: assessment.RequiresApproval,
		ApprovalID:       approvalID,
		Assessment:       assessment,
	}
	e.metrics.Decision(inv.Tool, "allowed")
	e.recordAllowed(inv, d, outcome)
	e.publish(bus.StageToolAllowed, inv, assessment.Level, reason)
	e.finish(inv.Tool, "allowed", start)
	return d
}

// CheckDataAccess runs the isolation guard for one data reference. Both
// outcomes are audited, with denials as their own event type.
func (e *Engine) CheckDataAccess(ref model.DataRef, op string, ctx model.AccessContext) model.AccessResult {
	res := e.guard.CheckAccess(ref, op, ctx)

	ev := audit.NewEvent(audit.EventDataAccess)
	ev.SessionID = ctx.SessionID
	ev.AgentID = ctx.AgentID
	ev.Reason = res.Reason
	ev.Parameters = map[string]any{"key": ref.Key, "operation": op, "owner_session": ref.SessionID}
	if !res.Allowed {
		ev.Type = audit.EventIsolationViolation
		ev.Blocked = true
		e.metrics.IsolationDenial()
		e.publish(bus.StageIsolationDenied, model.Invocation{SessionID: ctx.SessionID, AgentID: ctx.AgentID}, model.RiskLow, res.Reason)
	}
	e.recorder.Record(ev)
	return res
}

// Executor runs a permitted tool call.
type Executor func(ctx context.Context, inv model.Invocation) (any, error)

// WrapExecutor guards an executor: the returned function evaluates first and
// only invokes fn when the decision allows. Blocks surface as BlockedError.
func (e *Engine) WrapExecutor(fn Executor) Executor {
	return func(ctx context.Context, inv model.Invocation) (any, error) {
		d := e.EvaluateToolCall(ctx, inv)
		if d.Blocked {
			return nil, &BlockedError{Tool: inv.Tool, Reason: d.Reason}
		}
		return fn(ctx, inv)
	}
}

// Coordinator exposes the approval coordinator for reviewer frontends.
func (e *Engine) Coordinator() *approval.Coordinator { return e.coord }

// PendingApprovals lists requests awaiting resolution.
func (e *Engine) PendingApprovals() []*approval.Request { return e.coord.Pending() }

// Failures exposes audit write failures so operators can detect trail gaps.
func (e *Engine) Failures() <-chan audit.WriteFailure { return e.recorder.Failures() }

// Audit exposes the underlying store for query and statistics.
func (e *Engine) Audit() audit.Store { return e.store }

// PruneAudit applies the policy's retention window.
func (e *Engine) PruneAudit() (int, error) {
	if e.pol.Audit.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -e.pol.Audit.RetentionDays)
	return e.store.PruneBefore(cutoff)
}

// Close drains the audit recorder and closes the store.
func (e *Engine) Close() error {
	err := e.recorder.Stop(5 * time.Second)
	if cerr := e.store.Close(); err == nil {
		err = cerr
	}
	return err
}

func (e *Engine) block(inv model.Invocation, assessment model.Assessment, approvalID string,
	outcome audit.ApprovalOutcome, typ audit.EventType, reason string, start time.Time) model.Decision {

	d := model.Decision{
		Blocked:          true,
		Reason:           reason,
		RequiresApproval: true,
		ApprovalID:       approvalID,
		Assessment:       assessment,
	}
	e.metrics.Block(string(outcome))
	ev := e.event(typ, inv, d)
	ev.ApprovalOutcome = outcome
	e.recorder.Record(ev)
	e.finish(inv.Tool, "blocked", start)
	return d
}

func (e *Engine) record(typ audit.EventType, inv model.Invocation, d model.Decision, outcome audit.ApprovalOutcome) {
	ev := e.event(typ, inv, d)
	ev.ApprovalOutcome = outcome
	e.recorder.Record(ev)
}

func (e *Engine) recordAllowed(inv model.Invocation, d model.Decision, outcome audit.ApprovalOutcome) {
	e.record(audit.EventToolAllowed, inv, d, outcome)
}

func (e *Engine) event(typ audit.EventType, inv model.Invocation, d model.Decision) audit.Event {
	ev := audit.NewEvent(typ)
	ev.Tool = inv.Tool
	ev.SessionID = inv.SessionID
	ev.AgentID = inv.AgentID
	ev.RiskLevel = d.Assessment.Level
	ev.Blocked = d.Blocked
	ev.Parameters = inv.Parameters
	ev.Reason = d.Reason
	return ev
}

func (e *Engine) publish(stage string, inv model.Invocation, level model.RiskLevel, reason string) {
	e.bus.Publish(bus.StageEvent{
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Tool:      inv.Tool,
		SessionID: inv.SessionID,
		AgentID:   inv.AgentID,
		RiskLevel: level,
		Reason:    reason,
	})
}

func (e *Engine) finish(tool, outcome string, start time.Time) {
	if outcome == "blocked" {
		e.metrics.Decision(tool, "blocked")
	}
	e.metrics.ObserveEvaluation(outcome, time.Since(start).Seconds())
}

// approvalResolved fires once per terminal approval transition. It keeps the
// pending gauge current and writes a forensic event for requests whose
// caller cancelled before resolution, so the actual outcome is never lost.
func (e *Engine) approvalResolved(req *approval.Request) {
	status := req.Status()
	e.metrics.Approval(string(status))
	e.metrics.SetPendingApprovals(len(e.coord.Pending()))

	if !req.WaiterGone() {
		return
	}
	ev := audit.NewEvent(audit.EventToolBlocked)
	ev.Tool = req.Invocation.Tool
	ev.SessionID = req.Invocation.SessionID
	ev.AgentID = req.Invocation.AgentID
	ev.RiskLevel = req.Assessment.Level
	ev.Blocked = true
	ev.ApprovalOutcome = approvalOutcome(status)
	ev.Reason = fmt.Sprintf("approval %s resolved %s after caller cancelled", req.ID, status)
	e.recorder.Record(ev)
}

func approvalOutcome(s approval.Status) audit.ApprovalOutcome {
	switch s {
	case approval.StatusApproved:
		return audit.OutcomeApproved
	case approval.StatusDenied:
		return audit.OutcomeDenied
	case approval.StatusTimedOut:
		return audit.OutcomeTimedOut
	case approval.StatusEscalated:
		return audit.OutcomeEscalated
	}
	return ""
}
