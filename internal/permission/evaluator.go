// Package permission implements the deterministic allow/deny stage of the
// guardrail pipeline.
//
// Precedence, first match wins:
//  1. Explicit tool rule with allowed=false
//  2. Blocklist
//  3. Allowlist (when non-empty)
//  4. Parameter value restrictions
//  5. Per-tool rate limit
//  6. Policy default
package permission

import (
	"fmt"

	"github.com/toolgate-io/toolgate/internal/model"
	"github.com/toolgate-io/toolgate/internal/policy"
	"github.com/toolgate-io/toolgate/internal/ratelimit"
)

// Rule identifiers reported in Result.MatchedRule.
const (
	RuleToolRule   = "tool_rule"
	RuleBlocklist  = "blocklist"
	RuleAllowlist  = "allowlist"
	RuleParameter  = "parameter_restriction"
	RuleRateLimit  = "rate_limit"
	RuleDefault    = "default"
)

// Result is the outcome of a permission check.
type Result struct {
	Allowed     bool
	Reason      string
	MatchedRule string
}

// Evaluator checks invocations against a PermissionPolicy. It holds no
// mutable state of its own; the only side effect of Evaluate is the
// rate-limiter reservation made on allow.
type Evaluator struct {
	pol     *policy.PermissionPolicy
	limiter *ratelimit.Limiter
	blocked map[string]struct{}
	allowed map[string]struct{}
}

// NewEvaluator builds an Evaluator over an immutable policy. The limiter is
// shared with the rest of the engine so concurrent evaluations see one
// budget per (tool, session).
func NewEvaluator(pol *policy.PermissionPolicy, limiter *ratelimit.Limiter) *Evaluator {
	e := &Evaluator{
		pol:     pol,
		limiter: limiter,
		blocked: make(map[string]struct{}, len(pol.BlockedTools)),
		allowed: make(map[string]struct{}, len(pol.AllowedTools)),
	}
	for _, t := range pol.BlockedTools {
		e.blocked[t] = struct{}{}
	}
	for _, t := range pol.AllowedTools {
		e.allowed[t] = struct{}{}
	}
	return e
}

// Evaluate applies the precedence chain to one invocation. On allow, one
// unit of the tool's rate-limit window is reserved atomically; a denial at
// any step consumes nothing.
func (e *Evaluator) Evaluate(inv model.Invocation) Result {
	rule := e.pol.ToolRules[inv.Tool]

	// Step 1: explicit tool rule.
	if rule.Denies() {
		return Result{
			Allowed:     false,
			Reason:      fmt.Sprintf("tool %q is denied by explicit tool rule", inv.Tool),
			MatchedRule: RuleToolRule,
		}
	}
	explicitlyAllowed := rule != nil && rule.Allowed != nil && *rule.Allowed

	// Step 2: blocklist. An explicit allow on the tool rule outranks it.
	if _, ok := e.blocked[inv.Tool]; ok && !explicitlyAllowed {
		return Result{
			Allowed:     false,
			Reason:      fmt.Sprintf("tool %q is blocklisted", inv.Tool),
			MatchedRule: RuleBlocklist,
		}
	}

	// Step 3: allowlist, only when one is configured.
	if len(e.allowed) > 0 && !explicitlyAllowed {
		if _, ok := e.allowed[inv.Tool]; !ok {
			return Result{
				Allowed:     false,
				Reason:      fmt.Sprintf("tool %q is not in the allowlist", inv.Tool),
				MatchedRule: RuleAllowlist,
			}
		}
	}

	// Step 4: parameter value restrictions.
	if rule != nil && len(rule.AllowedParams) > 0 {
		for name, values := range rule.AllowedParams {
			got, present := inv.Parameters[name]
			if !present {
				continue
			}
			if !containsValue(values, got) {
				return Result{
					Allowed: false,
					Reason: fmt.Sprintf("parameter %q value %v is not permitted for tool %q",
						name, got, inv.Tool),
					MatchedRule: RuleParameter,
				}
			}
		}
	}

	// Step 5: rate limit. An exhausted window denies before the default
	// rule is consulted, and the denial consumes no budget.
	limited := rule != nil && rule.RateLimitPerMinute > 0
	if limited && e.limiter.Count(inv.Tool, inv.SessionID) >= rule.RateLimitPerMinute {
		return e.rateLimited(inv, rule)
	}

	// Step 6: default, unless a more specific rule already decided.
	var allow Result
	switch {
	case explicitlyAllowed:
		allow = Result{Allowed: true, Reason: fmt.Sprintf("tool %q is allowed by explicit tool rule", inv.Tool), MatchedRule: RuleToolRule}
	case len(e.allowed) > 0:
		allow = Result{Allowed: true, Reason: fmt.Sprintf("tool %q is in the allowlist", inv.Tool), MatchedRule: RuleAllowlist}
	case e.pol.DefaultAllowed:
		allow = Result{Allowed: true, Reason: fmt.Sprintf("tool %q is allowed by default policy", inv.Tool), MatchedRule: RuleDefault}
	default:
		return Result{
			Allowed:     false,
			Reason:      fmt.Sprintf("tool %q is denied by default policy", inv.Tool),
			MatchedRule: RuleDefault,
		}
	}

	// Reserve exactly one window unit as part of the allow. Reserve is an
	// atomic check-and-increment, so racing evaluators that all passed the
	// step-5 read still cannot admit more than the limit.
	if limited && !e.limiter.Reserve(inv.Tool, inv.SessionID, rule.RateLimitPerMinute) {
		return e.rateLimited(inv, rule)
	}
	return allow
}

func (e *Evaluator) rateLimited(inv model.Invocation, rule *policy.ToolRule) Result {
	return Result{
		Allowed: false,
		Reason: fmt.Sprintf("rate limited: tool %q exceeded %d calls per minute in session %q",
			inv.Tool, rule.RateLimitPerMinute, inv.SessionID),
		MatchedRule: RuleRateLimit,
	}
}

// ToolRule exposes the per-tool override, if any, so the engine can honor
// requires_approval set at the permission layer.
func (e *Evaluator) ToolRule(tool string) *policy.ToolRule {
	return e.pol.ToolRules[tool]
}

func containsValue(values []string, got any) bool {
	s := fmt.Sprintf("%v", got)
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
