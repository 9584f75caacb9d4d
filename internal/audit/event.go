// Package audit records every guardrail decision in an append-only,
// queryable store. Events are redacted before they enter the write path and
// are never mutated after persistence; retention expiry is the only deletion.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/toolgate-io/toolgate/internal/model"
)

// EventType classifies what an audit event records.
type EventType string

const (
	EventToolAllowed        EventType = "tool_allowed"
	EventToolBlocked        EventType = "tool_blocked"
	EventRateLimited        EventType = "rate_limited"
	EventIsolationViolation EventType = "data_isolation_violation"
	EventDataAccess         EventType = "data_access"
	EventEscalation         EventType = "escalation"
)

// ApprovalOutcome is the terminal state of an approval request, recorded on
// the consolidated event for the evaluation that required it.
type ApprovalOutcome string

const (
	OutcomeApproved  ApprovalOutcome = "approved"
	OutcomeDenied    ApprovalOutcome = "denied"
	OutcomeTimedOut  ApprovalOutcome = "timed_out"
	OutcomeEscalated ApprovalOutcome = "escalated"
)

// Event is one audit record. Parameters are already redacted by the time an
// Event exists outside the Recorder.
type Event struct {
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	Type            EventType       `json:"event_type"`
	Tool            string          `json:"tool,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	AgentID         string          `json:"agent_id,omitempty"`
	RiskLevel       model.RiskLevel `json:"risk_level"`
	Blocked         bool            `json:"blocked"`
	ApprovalOutcome ApprovalOutcome `json:"approval_outcome,omitempty"`
	Parameters      map[string]any  `json:"parameters,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	PolicyHash      string          `json:"policy_hash,omitempty"`
}

// NewEvent stamps a fresh event with an ID and the current time.
func NewEvent(t EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      t,
	}
}
