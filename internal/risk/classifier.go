// Package risk assigns an ordered risk tier to tool invocations.
//
// The final level is never an average: classification starts from the
// tool-identity baseline and each further signal (keyword category,
// production environment, parameter magnitude) bumps it one tier, capped at
// critical. Reasons record every contributing signal in evaluation order.
package risk

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/toolgate-io/toolgate/internal/model"
	"github.com/toolgate-io/toolgate/internal/policy"
)

// Classifier scores invocations against a RiskPolicy. The policy is read-only
// after construction; the only mutable state is the first-time approval
// tracker, which has its own lock.
type Classifier struct {
	pol      *policy.RiskPolicy
	critical map[string]struct{}
	high     map[string]struct{}

	// categories holds KeywordCategories names in sorted order so that
	// reason lists are stable across runs.
	categories []string

	mu       sync.Mutex
	approved map[string]struct{}
}

// NewClassifier builds a Classifier over an immutable risk policy.
func NewClassifier(pol *policy.RiskPolicy) *Classifier {
	c := &Classifier{
		pol:      pol,
		critical: make(map[string]struct{}, len(pol.CriticalRiskTools)),
		high:     make(map[string]struct{}, len(pol.HighRiskTools)),
		approved: make(map[string]struct{}),
	}
	for _, t := range pol.CriticalRiskTools {
		c.critical[t] = struct{}{}
	}
	for _, t := range pol.HighRiskTools {
		c.high[t] = struct{}{}
	}
	for name := range pol.KeywordCategories {
		c.categories = append(c.categories, name)
	}
	sort.Strings(c.categories)
	return c
}

// Assess classifies one invocation. Signals are evaluated in a fixed order:
// tool identity, keyword categories, environment, parameter magnitude.
func (c *Classifier) Assess(inv model.Invocation) model.Assessment {
	var reasons []string

	// Tool-identity baseline.
	level := model.RiskLow
	if _, ok := c.critical[inv.Tool]; ok {
		level = model.RiskCritical
		reasons = append(reasons, fmt.Sprintf("tool %q is marked critical risk", inv.Tool))
	} else if _, ok := c.high[inv.Tool]; ok {
		level = model.RiskHigh
		reasons = append(reasons, fmt.Sprintf("tool %q is marked high risk", inv.Tool))
	}

	// Keyword categories: one bump per distinct matched category.
	haystack := c.keywordHaystack(inv)
	for _, cat := range c.categories {
		kw := matchCategory(c.pol.KeywordCategories[cat], haystack)
		if kw == "" {
			continue
		}
		level = level.Bump()
		reasons = append(reasons, fmt.Sprintf("matched %s keyword %q", cat, kw))
	}

	// Production raises any non-low result by one tier. Other environments
	// never raise risk.
	if inv.Environment == "production" && level > model.RiskLow {
		level = level.Bump()
		reasons = append(reasons, "executing in production environment")
	}

	// Parameter magnitude.
	for _, name := range c.magnitudeParams() {
		threshold := c.pol.MagnitudeThresholds[name]
		v, ok := numericParam(inv.Parameters, name)
		if !ok || v <= threshold {
			continue
		}
		level = level.Bump()
		reasons = append(reasons, fmt.Sprintf("parameter %q value %v exceeds threshold %v", name, v, threshold))
	}

	return model.Assessment{
		Level:            level,
		Reasons:          reasons,
		RequiresApproval: c.requiresApproval(inv, level),
	}
}

// RequiresApproval reports whether the policy demands approval at the given
// level. Exposed for callers that raise the level after classification.
func (c *Classifier) RequiresApproval(inv model.Invocation, level model.RiskLevel) bool {
	return c.requiresApproval(inv, level)
}

func (c *Classifier) requiresApproval(inv model.Invocation, level model.RiskLevel) bool {
	switch c.pol.ApprovalMode {
	case model.ApprovalNever:
		return false
	case model.ApprovalAlways:
		return true
	case model.ApprovalFirstTime:
		if level >= c.pol.RiskThresholdForApproval {
			return true
		}
		return !c.seen(inv)
	default:
		return level >= c.pol.RiskThresholdForApproval
	}
}

// MarkApproved records that this (tool, parameter shape) combination has an
// approved outcome in its scope, so first_time mode will not ask again.
func (c *Classifier) MarkApproved(inv model.Invocation) {
	c.mu.Lock()
	c.approved[c.scopeKey(inv)] = struct{}{}
	c.mu.Unlock()
}

func (c *Classifier) seen(inv model.Invocation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.approved[c.scopeKey(inv)]
	return ok
}

// scopeKey bounds the first-time history per the configured scope. Session
// scope means a new session asks again; global scope remembers across all
// sessions and agents.
func (c *Classifier) scopeKey(inv model.Invocation) string {
	var prefix string
	switch c.pol.FirstTimeScope {
	case model.ScopeAgent:
		prefix = "agent:" + inv.AgentID
	case model.ScopeGlobal:
		prefix = "global"
	default:
		prefix = "session:" + inv.SessionID
	}
	return prefix + "|" + inv.Tool + "|" + inv.ParameterShape()
}

// keywordHaystack collects the lowercased tool name and string parameter
// values for keyword matching.
func (c *Classifier) keywordHaystack(inv model.Invocation) []string {
	hs := []string{strings.ToLower(inv.Tool)}
	for _, v := range inv.Parameters {
		if s, ok := v.(string); ok {
			hs = append(hs, strings.ToLower(s))
		}
	}
	return hs
}

func matchCategory(keywords, haystack []string) string {
	for _, kw := range keywords {
		lkw := strings.ToLower(kw)
		for _, h := range haystack {
			if strings.Contains(h, lkw) {
				return kw
			}
		}
	}
	return ""
}

func (c *Classifier) magnitudeParams() []string {
	names := make([]string, 0, len(c.pol.MagnitudeThresholds))
	for name := range c.pol.MagnitudeThresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// numericParam extracts a numeric parameter value. JSON-decoded parameters
// arrive as float64; typed callers may pass ints.
func numericParam(params map[string]any, name string) (float64, bool) {
	v, ok := params[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
