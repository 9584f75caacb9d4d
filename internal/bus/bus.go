// Package bus publishes pipeline stage transitions to external observers.
// Delivery is best-effort and at-least-once; a publish failure never affects
// the decision that produced the event.
package bus

import (
	"time"

	"github.com/toolgate-io/toolgate/internal/model"
)

// Stage names for published transitions.
const (
	StagePermissionDenied  = "permission_denied"
	StageRiskAssessment    = "risk_assessment"
	StageApprovalRequested = "approval_requested"
	StageApprovalGranted   = "approval_granted"
	StageApprovalDenied    = "approval_denied"
	StageToolBlocked       = "tool_blocked"
	StageToolAllowed       = "tool_allowed"
	StageEscalation        = "escalation"
	StageIsolationDenied   = "isolation_denied"
)

// StageEvent is one pipeline transition.
type StageEvent struct {
	Stage     string          `json:"stage"`
	Timestamp time.Time       `json:"timestamp"`
	Tool      string          `json:"tool,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	RiskLevel model.RiskLevel `json:"risk_level"`
	Reason    string          `json:"reason,omitempty"`
}

// Bus publishes stage events. Publish must not block the caller on delivery.
type Bus interface {
	Publish(e StageEvent)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(StageEvent) {}
