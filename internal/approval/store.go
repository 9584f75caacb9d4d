package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/toolgate-io/toolgate/internal/model"
)

// validID matches alphanumeric, dash, underscore, and dot characters only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateID rejects IDs that could cause path traversal.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("approval id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("approval id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("approval id contains invalid characters")
	}
	return nil
}

// Ticket is the on-disk form of an approval request: enough context for a
// human reviewer plus the status field the reviewer flips.
type Ticket struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	SessionID string          `json:"session_id"`
	AgentID   string          `json:"agent_id"`
	RiskLevel model.RiskLevel `json:"risk_level"`
	Reasons   []string        `json:"reasons,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Deadline  time.Time       `json:"deadline"`
	Status    Status          `json:"status"`
}

// FileStore keeps one JSON file per outstanding approval so a reviewer (or
// the CLI) can inspect and resolve them. Writes are atomic tmp+rename; a
// half-written ticket is never observable.
type FileStore struct {
	dir string
}

// DefaultDir returns the standard pending-approvals directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "toolgate-pending")
	}
	return filepath.Join(home, ".toolgate", "pending")
}

// NewFileStore creates a FileStore backed by dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("approval: create directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backing directory, watched by Watcher.
func (s *FileStore) Dir() string { return s.dir }

// Deliver writes the pending ticket for req. FileStore is the default
// approval Callback: dropping the file is how the request reaches reviewers.
func (s *FileStore) Deliver(req *Request) error {
	t := Ticket{
		ID:        req.ID,
		Tool:      req.Invocation.Tool,
		SessionID: req.Invocation.SessionID,
		AgentID:   req.Invocation.AgentID,
		RiskLevel: req.Assessment.Level,
		Reasons:   req.Assessment.Reasons,
		CreatedAt: req.CreatedAt,
		Deadline:  req.Deadline,
		Status:    StatusPending,
	}
	return s.writeAtomic(t)
}

// Resolve flips a ticket's status to approved or denied. Called by the CLI
// in the reviewer's process; the engine's Watcher picks up the change.
func (s *FileStore) Resolve(id string, approved bool) error {
	t, err := s.Read(id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("approval %q already %s", id, t.Status)
	}
	t.Status = StatusDenied
	if approved {
		t.Status = StatusApproved
	}
	return s.writeAtomic(*t)
}

// Read loads one ticket by ID.
func (s *FileStore) Read(id string) (*Ticket, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("approval %q not found: %w", id, err)
	}
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("approval %q: decode: %w", id, err)
	}
	return &t, nil
}

// List returns all tickets in the store.
func (s *FileStore) List() ([]Ticket, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var tickets []Ticket
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		t, err := s.Read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		tickets = append(tickets, *t)
	}
	return tickets, nil
}

// Remove deletes a ticket once its outcome has been consumed.
func (s *FileStore) Remove(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Cleanup removes every ticket file.
func (s *FileStore) Cleanup() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) writeAtomic(t Ticket) error {
	if err := validateID(t.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("approval: encode ticket: %w", err)
	}
	tmp := s.path(t.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("approval: write ticket: %w", err)
	}
	if err := os.Rename(tmp, s.path(t.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("approval: publish ticket: %w", err)
	}
	return nil
}
