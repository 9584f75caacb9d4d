package approval

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/model"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

func TestDeliverWritesPendingTicket(t *testing.T) {
	s := newTestFileStore(t)
	req := newRequest(testInvocation(), highRisk(), time.Minute)

	if err := s.Deliver(req); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	ticket, err := s.Read(req.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ticket.Status != StatusPending {
		t.Errorf("status %s, want pending", ticket.Status)
	}
	if ticket.Tool != "payments" {
		t.Errorf("tool %q", ticket.Tool)
	}
	if ticket.RiskLevel != model.RiskHigh {
		t.Errorf("risk %s", ticket.RiskLevel)
	}
}

func TestResolveTicket(t *testing.T) {
	s := newTestFileStore(t)
	req := newRequest(testInvocation(), highRisk(), time.Minute)
	s.Deliver(req)

	if err := s.Resolve(req.ID, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ticket, _ := s.Read(req.ID)
	if ticket.Status != StatusApproved {
		t.Errorf("status %s, want approved", ticket.Status)
	}

	// Terminal tickets cannot flip.
	if err := s.Resolve(req.ID, false); err == nil {
		t.Error("re-resolving a terminal ticket must fail")
	}
}

func TestReadRejectsTraversal(t *testing.T) {
	s := newTestFileStore(t)
	for _, id := range []string{"", "../etc/passwd", "a/b", "x..y"} {
		if _, err := s.Read(id); err == nil {
			t.Errorf("id %q should be rejected", id)
		}
	}
}

func TestListAndRemove(t *testing.T) {
	s := newTestFileStore(t)
	for i := 0; i < 3; i++ {
		s.Deliver(newRequest(testInvocation(), highRisk(), time.Minute))
	}

	tickets, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tickets) != 3 {
		t.Fatalf("listed %d tickets, want 3", len(tickets))
	}

	if err := s.Remove(tickets[0].ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	tickets, _ = s.List()
	if len(tickets) != 2 {
		t.Errorf("listed %d after remove, want 2", len(tickets))
	}

	if err := s.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	tickets, _ = s.List()
	if len(tickets) != 0 {
		t.Errorf("listed %d after cleanup, want 0", len(tickets))
	}
}

// End to end: a file-delivered request resolved through the store reaches
// the waiting coordinator via the watcher.
func TestWatcherFeedsCoordinator(t *testing.T) {
	s := newTestFileStore(t)
	c := NewCoordinator(s, Config{Timeout: 5 * time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(s, c, zap.NewNop())
	go w.Run(ctx)

	req := c.Submit(testInvocation(), highRisk())

	// Wait for the ticket file, then resolve it as the CLI would.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := s.Read(req.ID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ticket never delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Resolve(req.ID, true); err != nil {
		t.Fatalf("resolve ticket: %v", err)
	}

	status, err := c.Await(ctx, req)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if status != StatusApproved {
		t.Errorf("status %s, want approved", status)
	}
}
