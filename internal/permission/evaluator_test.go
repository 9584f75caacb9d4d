package permission

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/toolgate-io/toolgate/internal/model"
	"github.com/toolgate-io/toolgate/internal/policy"
	"github.com/toolgate-io/toolgate/internal/ratelimit"
)

func boolPtr(b bool) *bool { return &b }

func newEvaluator(pol *policy.PermissionPolicy) *Evaluator {
	return NewEvaluator(pol, ratelimit.New())
}

func inv(tool string) model.Invocation {
	return model.Invocation{Tool: tool, SessionID: "s1", AgentID: "a1"}
}

func TestExplicitDenyWinsOverEverything(t *testing.T) {
	pol := &policy.PermissionPolicy{
		DefaultAllowed: true,
		AllowedTools:   []string{"shell"},
		ToolRules: map[string]*policy.ToolRule{
			"shell": {Allowed: boolPtr(false)},
		},
	}
	res := newEvaluator(pol).Evaluate(inv("shell"))
	if res.Allowed {
		t.Fatal("explicit deny must win")
	}
	if res.MatchedRule != RuleToolRule {
		t.Errorf("matched rule %q, want %q", res.MatchedRule, RuleToolRule)
	}
}

func TestBlocklistDenies(t *testing.T) {
	pol := &policy.PermissionPolicy{
		DefaultAllowed: true,
		BlockedTools:   []string{"shell_execute"},
	}
	res := newEvaluator(pol).Evaluate(inv("shell_execute"))
	if res.Allowed {
		t.Fatal("blocklisted tool must be denied")
	}
	if res.MatchedRule != RuleBlocklist {
		t.Errorf("matched rule %q, want %q", res.MatchedRule, RuleBlocklist)
	}
	if res.Reason == "" {
		t.Error("denial must carry a reason")
	}
}

func TestExplicitAllowOutranksBlocklist(t *testing.T) {
	pol := &policy.PermissionPolicy{
		BlockedTools: []string{"payments"},
		ToolRules: map[string]*policy.ToolRule{
			"payments": {Allowed: boolPtr(true)},
		},
	}
	res := newEvaluator(pol).Evaluate(inv("payments"))
	if !res.Allowed {
		t.Errorf("explicit tool rule should outrank the blocklist: %s", res.Reason)
	}
}

func TestAllowlistMode(t *testing.T) {
	pol := &policy.PermissionPolicy{
		DefaultAllowed: true,
		AllowedTools:   []string{"search", "read_file"},
	}
	e := newEvaluator(pol)

	if res := e.Evaluate(inv("search")); !res.Allowed {
		t.Errorf("allowlisted tool denied: %s", res.Reason)
	}
	res := e.Evaluate(inv("shell"))
	if res.Allowed {
		t.Fatal("tool outside a non-empty allowlist must be denied")
	}
	if res.MatchedRule != RuleAllowlist {
		t.Errorf("matched rule %q, want %q", res.MatchedRule, RuleAllowlist)
	}
}

func TestParameterRestriction(t *testing.T) {
	pol := &policy.PermissionPolicy{
		DefaultAllowed: true,
		ToolRules: map[string]*policy.ToolRule{
			"payments": {AllowedParams: map[string][]string{"currency": {"USD", "EUR"}}},
		},
	}
	e := newEvaluator(pol)

	ok := model.Invocation{Tool: "payments", SessionID: "s1", Parameters: map[string]any{"currency": "USD"}}
	if res := e.Evaluate(ok); !res.Allowed {
		t.Errorf("permitted value denied: %s", res.Reason)
	}

	bad := model.Invocation{Tool: "payments", SessionID: "s1", Parameters: map[string]any{"currency": "BTC"}}
	res := e.Evaluate(bad)
	if res.Allowed {
		t.Fatal("out-of-set value must be denied")
	}
	if res.MatchedRule != RuleParameter {
		t.Errorf("matched rule %q, want %q", res.MatchedRule, RuleParameter)
	}
	if !strings.Contains(res.Reason, "currency") {
		t.Errorf("reason should name the offending parameter: %s", res.Reason)
	}
}

func TestParameterRestrictionIgnoresAbsentParams(t *testing.T) {
	pol := &policy.PermissionPolicy{
		DefaultAllowed: true,
		ToolRules: map[string]*policy.ToolRule{
			"payments": {AllowedParams: map[string][]string{"currency": {"USD"}}},
		},
	}
	res := newEvaluator(pol).Evaluate(inv("payments"))
	if !res.Allowed {
		t.Errorf("absent restricted parameter should not deny: %s", res.Reason)
	}
}

func TestRateLimitDenies(t *testing.T) {
	pol := &policy.PermissionPolicy{
		DefaultAllowed: true,
		ToolRules: map[string]*policy.ToolRule{
			"send_email": {RateLimitPerMinute: 2},
		},
	}
	e := newEvaluator(pol)

	for i := 0; i < 2; i++ {
		if res := e.Evaluate(inv("send_email")); !res.Allowed {
			t.Fatalf("call %d denied: %s", i+1, res.Reason)
		}
	}
	res := e.Evaluate(inv("send_email"))
	if res.Allowed {
		t.Fatal("third call should hit the rate limit")
	}
	if res.MatchedRule != RuleRateLimit {
		t.Errorf("matched rule %q, want %q", res.MatchedRule, RuleRateLimit)
	}

	// Another denial still does not consume budget.
	res = e.Evaluate(inv("send_email"))
	if res.MatchedRule != RuleRateLimit {
		t.Errorf("repeat denial matched %q, want %q", res.MatchedRule, RuleRateLimit)
	}
}

func TestDefaultDeniedWithRateLimitConsumesNothing(t *testing.T) {
	limiter := ratelimit.New()
	pol := &policy.PermissionPolicy{
		DefaultAllowed: false,
		ToolRules: map[string]*policy.ToolRule{
			"send_email": {RateLimitPerMinute: 5},
		},
	}
	e := NewEvaluator(pol, limiter)

	res := e.Evaluate(inv("send_email"))
	if res.Allowed || res.MatchedRule != RuleDefault {
		t.Fatalf("expected default deny, got %+v", res)
	}
	if got := limiter.Count("send_email", "s1"); got != 0 {
		t.Errorf("default-denied call consumed %d window units", got)
	}
}

func TestDefaultPolicy(t *testing.T) {
	allow := newEvaluator(&policy.PermissionPolicy{DefaultAllowed: true})
	if res := allow.Evaluate(inv("anything")); !res.Allowed {
		t.Errorf("default-allow denied: %s", res.Reason)
	}

	deny := newEvaluator(&policy.PermissionPolicy{DefaultAllowed: false})
	res := deny.Evaluate(inv("anything"))
	if res.Allowed {
		t.Fatal("default-deny allowed")
	}
	if res.MatchedRule != RuleDefault {
		t.Errorf("matched rule %q, want %q", res.MatchedRule, RuleDefault)
	}
}

// Concurrent evaluations of one (tool, session) never admit more calls than
// the configured limit.
func TestConcurrentEvaluationsRespectLimit(t *testing.T) {
	const limit = 5
	const callers = 40

	pol := &policy.PermissionPolicy{
		DefaultAllowed: true,
		ToolRules: map[string]*policy.ToolRule{
			"send_email": {RateLimitPerMinute: limit},
		},
	}
	e := newEvaluator(pol)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if e.Evaluate(inv("send_email")).Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Errorf("allowed %d concurrent calls, want exactly %d", got, limit)
	}
}
