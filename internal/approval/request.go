// Package approval coordinates human sign-off for risky tool calls.
//
// Each request is a small state machine: PENDING moves to exactly one of
// APPROVED, DENIED, TIMED_OUT, or ESCALATED, and terminal states are final.
// A callback response arriving after the deadline is discarded, not applied.
package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate-io/toolgate/internal/model"
)

// Status is the state of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusTimedOut  Status = "timed_out"
	StatusEscalated Status = "escalated"
)

// Terminal reports whether the status permits no further transition.
func (s Status) Terminal() bool { return s != StatusPending }

// Request is one outstanding approval. All mutation goes through resolve,
// which fires at most once; concurrent callback, timeout, and cancellation
// paths race safely.
type Request struct {
	ID         string           `json:"id"`
	Invocation model.Invocation `json:"invocation"`
	Assessment model.Assessment `json:"risk_assessment"`
	CreatedAt  time.Time        `json:"created_at"`
	Deadline   time.Time        `json:"deadline"`

	mu         sync.Mutex
	status     Status
	resolvedAt time.Time
	waiterGone bool
	timer      *time.Timer
	done       chan struct{}
	onResolved func(*Request)
}

func newRequest(inv model.Invocation, assessment model.Assessment, timeout time.Duration) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:         uuid.NewString(),
		Invocation: inv,
		Assessment: assessment,
		CreatedAt:  now,
		Deadline:   now.Add(timeout),
		status:     StatusPending,
		done:       make(chan struct{}),
	}
}

// Status returns the current state.
func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ResolvedAt returns when the terminal transition happened, zero while pending.
func (r *Request) ResolvedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolvedAt
}

// Done is closed once the request reaches a terminal state.
func (r *Request) Done() <-chan struct{} { return r.done }

// resolve performs the single terminal transition. It returns false when the
// request already reached a terminal state, in which case the caller's
// outcome is discarded.
func (r *Request) resolve(to Status) bool {
	r.mu.Lock()
	if r.status.Terminal() {
		r.mu.Unlock()
		return false
	}
	r.status = to
	r.resolvedAt = time.Now().UTC()
	timer := r.timer
	hook := r.onResolved
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	close(r.done)
	if hook != nil {
		hook(r)
	}
	return true
}

// markWaiterGone records that the original caller stopped waiting. It shares
// the resolution lock, so either the mark lands before the terminal
// transition (and the resolution hook handles forensic logging) or it
// reports false and the caller consumes the outcome normally. Exactly one of
// the two happens.
func (r *Request) markWaiterGone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.waiterGone = true
	return true
}

// WaiterGone reports whether the original caller cancelled before resolution.
func (r *Request) WaiterGone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiterGone
}
