package audit

import (
	"time"

	"github.com/toolgate-io/toolgate/internal/model"
)

// Filter narrows a query. Zero values mean "no constraint". Since and Until
// bound the timestamp half-open: Since <= ts < Until.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Type      EventType
	Tool      string
	SessionID string
	AgentID   string
	RiskLevel *model.RiskLevel
	Blocked   *bool
	Limit     int
}

func (f Filter) matches(e Event) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.RiskLevel != nil && e.RiskLevel != *f.RiskLevel {
		return false
	}
	if f.Blocked != nil && e.Blocked != *f.Blocked {
		return false
	}
	return true
}

// Stats aggregates events by type and risk level over a filter window.
// Computed directly from the store, so it can never diverge from Query.
type Stats struct {
	Total   int                       `json:"total"`
	ByType  map[EventType]int         `json:"by_type"`
	ByLevel map[model.RiskLevel]int   `json:"by_level"`
	Blocked int                       `json:"blocked"`
}

// Iterator streams events in (timestamp, id) order. Callers must Close it;
// Err reports any failure encountered while iterating.
type Iterator interface {
	Next() (Event, bool)
	Err() error
	Close() error
}

// Store persists audit events. Append-only: implementations expose no update
// or single-delete path, only retention pruning.
type Store interface {
	Append(e Event) error
	Query(f Filter) (Iterator, error)
	Stats(f Filter) (Stats, error)
	PruneBefore(cutoff time.Time) (int, error)
	Close() error
}
