package model

import (
	"fmt"
	"sort"
	"strings"
)

// RiskLevel is an ordered risk tier. Comparisons use the integer order:
// Low < Medium < High < Critical.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

func (l RiskLevel) String() string {
	if name, ok := riskNames[l]; ok {
		return name
	}
	return fmt.Sprintf("risk(%d)", int(l))
}

// Bump raises the level by one tier, capped at Critical.
func (l RiskLevel) Bump() RiskLevel {
	if l >= RiskCritical {
		return RiskCritical
	}
	return l + 1
}

// ParseRiskLevel maps a string to a RiskLevel. Unknown input is an error so
// that a mistyped policy fails at load, not at enforcement.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(s) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return RiskLow, fmt.Errorf("unknown risk level %q", s)
	}
}

// MarshalYAML serializes the level as its string name.
func (l RiskLevel) MarshalYAML() (any, error) { return l.String(), nil }

// UnmarshalYAML parses the string form, failing on unknown names.
func (l *RiskLevel) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalText makes RiskLevel usable as a JSON value and map key.
func (l RiskLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText parses the string form.
func (l *RiskLevel) UnmarshalText(b []byte) error {
	parsed, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ApprovalMode controls when human approval is required.
type ApprovalMode string

const (
	ApprovalNever     ApprovalMode = "never"
	ApprovalAlways    ApprovalMode = "always"
	ApprovalFirstTime ApprovalMode = "first_time"
	ApprovalThreshold ApprovalMode = "threshold"
)

// Valid reports whether the mode is one of the defined constants.
func (m ApprovalMode) Valid() bool {
	switch m {
	case ApprovalNever, ApprovalAlways, ApprovalFirstTime, ApprovalThreshold:
		return true
	}
	return false
}

// FirstTimeScope bounds the history consulted by first_time approval mode.
type FirstTimeScope string

const (
	ScopeSession FirstTimeScope = "session"
	ScopeAgent   FirstTimeScope = "agent"
	ScopeGlobal  FirstTimeScope = "global"
)

// Valid reports whether the scope is one of the defined constants.
func (s FirstTimeScope) Valid() bool {
	switch s {
	case ScopeSession, ScopeAgent, ScopeGlobal:
		return true
	}
	return false
}

// Invocation is one proposed tool call awaiting a guardrail decision.
// Created by the calling workflow engine; treated as immutable here.
type Invocation struct {
	Tool        string         `json:"tool"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	SessionID   string         `json:"session_id"`
	AgentID     string         `json:"agent_id"`
	Environment string         `json:"environment,omitempty"`
}

// ParameterShape returns the sorted parameter key set as a stable string.
// Two invocations of the same tool with the same keys share a shape,
// regardless of values.
func (inv Invocation) ParameterShape() string {
	if len(inv.Parameters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(inv.Parameters))
	for k := range inv.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// Assessment is the output of risk classification. Reasons lists every
// signal that contributed, in evaluation order; audit consumers depend on
// that ordering being stable.
type Assessment struct {
	Level            RiskLevel `json:"level"`
	Reasons          []string  `json:"reasons"`
	RequiresApproval bool      `json:"requires_approval"`
}

// Decision is the engine's verdict for one invocation. A blocking Decision
// always carries a human-readable Reason.
type Decision struct {
	Blocked          bool       `json:"blocked"`
	Reason           string     `json:"reason,omitempty"`
	RequiresApproval bool       `json:"requires_approval"`
	ApprovalID       string     `json:"approval_id,omitempty"`
	Assessment       Assessment `json:"risk_assessment"`
}

// DataRef identifies a piece of stored data and the session/agent that owns it.
type DataRef struct {
	Key       string `json:"key"`
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// AccessContext identifies who is attempting a data access.
type AccessContext struct {
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// AccessResult is the outcome of a data isolation check.
type AccessResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}
