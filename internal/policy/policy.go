package policy

import (
	"fmt"
	"regexp"
	"time"

	"github.com/toolgate-io/toolgate/internal/model"
)

// ToolRule is a per-tool permission override. An explicit rule takes
// precedence over blocklist, allowlist, and the policy default.
type ToolRule struct {
	// Allowed is a tri-state: nil means the rule does not override
	// allow/deny and only contributes its other fields.
	Allowed            *bool                `yaml:"allowed,omitempty"`
	RiskLevel          model.RiskLevel      `yaml:"risk_level,omitempty"`
	RequiresApproval   bool                 `yaml:"requires_approval,omitempty"`
	AllowedParams      map[string][]string  `yaml:"allowed_params,omitempty"`
	RateLimitPerMinute int                  `yaml:"rate_limit_per_minute,omitempty"`
}

// Denies reports whether the rule explicitly forbids the tool.
func (r *ToolRule) Denies() bool {
	return r != nil && r.Allowed != nil && !*r.Allowed
}

// PermissionPolicy drives the deterministic allow/deny stage.
type PermissionPolicy struct {
	DefaultAllowed bool                 `yaml:"default_allowed"`
	AllowedTools   []string             `yaml:"allowed_tools,omitempty"`
	BlockedTools   []string             `yaml:"blocked_tools,omitempty"`
	ToolRules      map[string]*ToolRule `yaml:"tool_rules,omitempty"`
}

// RiskPolicy drives risk classification and approval requirements.
type RiskPolicy struct {
	HighRiskTools     []string `yaml:"high_risk_tools,omitempty"`
	CriticalRiskTools []string `yaml:"critical_risk_tools,omitempty"`

	// KeywordCategories maps a category name (e.g. "destructive") to the
	// keywords that trigger it. Each distinct matched category bumps the
	// level by one tier.
	KeywordCategories map[string][]string `yaml:"keyword_categories,omitempty"`

	// MagnitudeThresholds maps numeric parameter names (e.g. "amount") to
	// the value above which the level is bumped by one tier.
	MagnitudeThresholds map[string]float64 `yaml:"magnitude_thresholds,omitempty"`

	ApprovalMode            model.ApprovalMode   `yaml:"approval_mode"`
	ApprovalTimeoutSeconds  int                  `yaml:"approval_timeout_seconds"`
	RiskThresholdForApproval model.RiskLevel     `yaml:"risk_threshold_for_approval"`
	AutoEscalateCritical    bool                 `yaml:"auto_escalate_critical"`
	FirstTimeScope          model.FirstTimeScope `yaml:"first_time_scope"`
}

// ApprovalTimeout returns the configured approval deadline as a duration.
func (r *RiskPolicy) ApprovalTimeout() time.Duration {
	return time.Duration(r.ApprovalTimeoutSeconds) * time.Second
}

// AuditPolicy configures the audit trail.
type AuditPolicy struct {
	RedactPatterns []string `yaml:"redact_patterns,omitempty"`
	RetentionDays  int      `yaml:"retention_days"`
	BufferSize     int      `yaml:"buffer_size"`
	Workers        int      `yaml:"workers"`
}

// IsolationPolicy bounds cross-session and pattern-blocked data access.
type IsolationPolicy struct {
	EnforceSessionIsolation bool     `yaml:"enforce_session_isolation"`
	CrossSessionAccessMode  string   `yaml:"cross_session_access_mode"`
	AllowedSharedKeys       []string `yaml:"allowed_shared_keys,omitempty"`
	BlockedDataPatterns     []string `yaml:"blocked_data_patterns,omitempty"`
}

// Policy is the immutable, validated configuration bundle consumed once at
// engine construction. Engines never share mutable policy state; multi-tenant
// setups hold independent Policy values.
type Policy struct {
	Name       string           `yaml:"name"`
	Permission PermissionPolicy `yaml:"permission"`
	Risk       RiskPolicy       `yaml:"risk"`
	Audit      AuditPolicy      `yaml:"audit"`
	Isolation  IsolationPolicy  `yaml:"isolation"`
}

// Default returns the baseline policy: allow by default, threshold approval
// at high risk, common destructive/privileged keyword categories, and the
// usual credential redaction patterns.
func Default() *Policy {
	return &Policy{
		Name: "default",
		Permission: PermissionPolicy{
			DefaultAllowed: true,
		},
		Risk: RiskPolicy{
			KeywordCategories: map[string][]string{
				"destructive": {"delete", "remove", "drop", "truncate", "purge"},
				"execution":   {"execute", "shell", "command", "script"},
				"financial":   {"payment", "transfer", "withdraw", "refund"},
				"exfiltration": {"export", "download", "extract", "backup"},
				"privileged":  {"admin", "root", "sudo", "elevated", "credentials", "secrets"},
			},
			MagnitudeThresholds:      map[string]float64{"amount": 10_000},
			ApprovalMode:             model.ApprovalThreshold,
			ApprovalTimeoutSeconds:   300,
			RiskThresholdForApproval: model.RiskHigh,
			AutoEscalateCritical:     true,
			FirstTimeScope:           model.ScopeSession,
		},
		Audit: AuditPolicy{
			RedactPatterns: []string{"password", "secret", "token", "api_key", "credential"},
			RetentionDays:  90,
			BufferSize:     1024,
			Workers:        2,
		},
		Isolation: IsolationPolicy{
			EnforceSessionIsolation: true,
			CrossSessionAccessMode:  "deny",
			BlockedDataPatterns:     []string{`\.env`, `credentials`, `secrets`, `\.pem`, `\.key`},
		},
	}
}

// Strict returns the production preset: default-deny permissions, approval
// for everything, escalation on critical timeouts.
func Strict() *Policy {
	p := Default()
	p.Name = "strict"
	p.Permission.DefaultAllowed = false
	p.Risk.ApprovalMode = model.ApprovalAlways
	p.Risk.RiskThresholdForApproval = model.RiskMedium
	p.Risk.AutoEscalateCritical = true
	return p
}

// Permissive returns the development preset: default-allow, no approvals,
// isolation off.
func Permissive() *Policy {
	p := Default()
	p.Name = "permissive"
	p.Permission.DefaultAllowed = true
	p.Risk.ApprovalMode = model.ApprovalNever
	p.Risk.AutoEscalateCritical = false
	p.Isolation.EnforceSessionIsolation = false
	p.Isolation.BlockedDataPatterns = nil
	return p
}

// Validate checks the policy for construction-time errors. Any failure here
// must prevent engine startup: the engine fails closed, never open.
func (p *Policy) Validate() error {
	if !p.Risk.ApprovalMode.Valid() {
		return fmt.Errorf("policy %q: invalid approval_mode %q", p.Name, p.Risk.ApprovalMode)
	}
	if !p.Risk.FirstTimeScope.Valid() {
		return fmt.Errorf("policy %q: invalid first_time_scope %q", p.Name, p.Risk.FirstTimeScope)
	}
	if p.Risk.ApprovalTimeoutSeconds <= 0 {
		return fmt.Errorf("policy %q: approval_timeout_seconds must be positive, got %d", p.Name, p.Risk.ApprovalTimeoutSeconds)
	}
	if p.Risk.RiskThresholdForApproval < model.RiskLow || p.Risk.RiskThresholdForApproval > model.RiskCritical {
		return fmt.Errorf("policy %q: risk_threshold_for_approval out of range", p.Name)
	}
	for tool, rule := range p.Permission.ToolRules {
		if rule == nil {
			return fmt.Errorf("policy %q: empty tool rule for %q", p.Name, tool)
		}
		if rule.RateLimitPerMinute < 0 {
			return fmt.Errorf("policy %q: tool %q: negative rate limit", p.Name, tool)
		}
	}
	for name, threshold := range p.Risk.MagnitudeThresholds {
		if threshold < 0 {
			return fmt.Errorf("policy %q: magnitude threshold for %q is negative", p.Name, name)
		}
	}
	switch p.Isolation.CrossSessionAccessMode {
	case "deny", "allow":
	default:
		return fmt.Errorf("policy %q: invalid cross_session_access_mode %q", p.Name, p.Isolation.CrossSessionAccessMode)
	}
	for _, pat := range p.Isolation.BlockedDataPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("policy %q: invalid blocked data pattern %q: %w", p.Name, pat, err)
		}
	}
	for _, pat := range p.Audit.RedactPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("policy %q: invalid redact pattern %q: %w", p.Name, pat, err)
		}
	}
	if p.Audit.RetentionDays < 0 {
		return fmt.Errorf("policy %q: retention_days must not be negative", p.Name)
	}
	if p.Audit.BufferSize <= 0 {
		return fmt.Errorf("policy %q: audit buffer_size must be positive", p.Name)
	}
	if p.Audit.Workers <= 0 {
		return fmt.Errorf("policy %q: audit workers must be positive", p.Name)
	}
	return nil
}
