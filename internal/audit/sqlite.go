package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/toolgate-io/toolgate/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	ts          INTEGER NOT NULL,
	event_type  TEXT NOT NULL,
	tool        TEXT NOT NULL DEFAULT '',
	session_id  TEXT NOT NULL DEFAULT '',
	agent_id    TEXT NOT NULL DEFAULT '',
	risk_level  TEXT NOT NULL,
	blocked     INTEGER NOT NULL,
	approval_outcome TEXT NOT NULL DEFAULT '',
	parameters  TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	policy_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts, id);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(event_type, ts);
CREATE INDEX IF NOT EXISTS idx_audit_risk ON audit_events(risk_level, ts);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id, ts);
`

// SQLiteStore persists audit events in a single SQLite database. Queries
// stream from an indexed (ts, id) order, so time-range and type filters do
// not scan unbounded history.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the audit database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	// Single writer; WAL keeps readers unblocked during appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append writes one event.
func (s *SQLiteStore) Append(e Event) error {
	var params string
	if e.Parameters != nil {
		b, err := json.Marshal(e.Parameters)
		if err != nil {
			return fmt.Errorf("audit: encode parameters: %w", err)
		}
		params = string(b)
	}
	_, err := s.db.Exec(`INSERT INTO audit_events
		(id, ts, event_type, tool, session_id, agent_id, risk_level, blocked, approval_outcome, parameters, reason, policy_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixNano(), string(e.Type), e.Tool, e.SessionID, e.AgentID,
		e.RiskLevel.String(), boolInt(e.Blocked), string(e.ApprovalOutcome), params, e.Reason, e.PolicyHash)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Query streams matching events in (ts, id) order.
func (s *SQLiteStore) Query(f Filter) (Iterator, error) {
	where, args := buildWhere(f)
	q := "SELECT id, ts, event_type, tool, session_id, agent_id, risk_level, blocked, approval_outcome, parameters, reason, policy_hash FROM audit_events" +
		where + " ORDER BY ts, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return &rowIterator{rows: rows}, nil
}

// Stats aggregates by type and risk level in one pass over the filter window.
func (s *SQLiteStore) Stats(f Filter) (Stats, error) {
	where, args := buildWhere(f)
	st := Stats{
		ByType:  make(map[EventType]int),
		ByLevel: make(map[model.RiskLevel]int),
	}
	rows, err := s.db.Query(
		"SELECT event_type, risk_level, blocked, COUNT(*) FROM audit_events"+where+" GROUP BY event_type, risk_level, blocked", args...)
	if err != nil {
		return st, fmt.Errorf("audit: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, levelName string
		var blocked, n int
		if err := rows.Scan(&typ, &levelName, &blocked, &n); err != nil {
			return st, fmt.Errorf("audit: scan stats: %w", err)
		}
		level, err := model.ParseRiskLevel(levelName)
		if err != nil {
			return st, fmt.Errorf("audit: stats: %w", err)
		}
		st.Total += n
		st.ByType[EventType(typ)] += n
		st.ByLevel[level] += n
		if blocked != 0 {
			st.Blocked += n
		}
	}
	return st, rows.Err()
}

// PruneBefore deletes events older than cutoff, the only deletion the store
// supports.
func (s *SQLiteStore) PruneBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec("DELETE FROM audit_events WHERE ts < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func buildWhere(f Filter) (string, []any) {
	var conds []string
	var args []any
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "ts < ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Tool != "" {
		conds = append(conds, "tool = ?")
		args = append(args, f.Tool)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.RiskLevel != nil {
		conds = append(conds, "risk_level = ?")
		args = append(args, f.RiskLevel.String())
	}
	if f.Blocked != nil {
		conds = append(conds, "blocked = ?")
		args = append(args, boolInt(*f.Blocked))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowIterator struct {
	rows *sql.Rows
	err  error
}

func (it *rowIterator) Next() (Event, bool) {
	if it.err != nil || !it.rows.Next() {
		return Event{}, false
	}
	var e Event
	var ts int64
	var blocked int
	var typ, levelName, outcome, params string
	if err := it.rows.Scan(&e.ID, &ts, &typ, &e.Tool, &e.SessionID, &e.AgentID,
		&levelName, &blocked, &outcome, &params, &e.Reason, &e.PolicyHash); err != nil {
		it.err = err
		return Event{}, false
	}
	e.Blocked = blocked != 0
	e.Timestamp = time.Unix(0, ts).UTC()
	e.Type = EventType(typ)
	e.ApprovalOutcome = ApprovalOutcome(outcome)
	level, err := model.ParseRiskLevel(levelName)
	if err != nil {
		it.err = err
		return Event{}, false
	}
	e.RiskLevel = level
	if params != "" {
		if err := json.Unmarshal([]byte(params), &e.Parameters); err != nil {
			it.err = err
			return Event{}, false
		}
	}
	return e, true
}

func (it *rowIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowIterator) Close() error { return it.rows.Close() }
