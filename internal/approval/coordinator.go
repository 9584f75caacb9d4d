package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/model"
)

// Callback delivers an approval request to whatever channel the host system
// uses (file drop, webhook, chat bot). Delivery failures do not fail the
// request; it simply times out if nobody answers.
type Callback interface {
	Deliver(req *Request) error
}

// CallbackFunc adapts a function to the Callback interface.
type CallbackFunc func(req *Request) error

func (f CallbackFunc) Deliver(req *Request) error { return f(req) }

// Coordinator tracks pending approval requests. Unrelated requests are fully
// independent; the coordinator's lock only guards the pending map, never a
// request's resolution.
type Coordinator struct {
	callback   Callback
	timeout    time.Duration
	escalate   bool
	logger     *zap.Logger
	onResolved func(*Request)

	mu      sync.Mutex
	pending map[string]*Request
}

// Config carries the policy-derived coordinator settings.
type Config struct {
	Timeout time.Duration

	// AutoEscalateCritical routes a critical-risk timeout to ESCALATED
	// instead of TIMED_OUT, surfacing it rather than silently denying.
	AutoEscalateCritical bool
}

// NewCoordinator builds a Coordinator. The OnResolved hook, if set later,
// fires once per request after its terminal transition.
func NewCoordinator(cb Callback, cfg Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		callback: cb,
		timeout:  cfg.Timeout,
		escalate: cfg.AutoEscalateCritical,
		logger:   logger,
		pending:  make(map[string]*Request),
	}
}

// OnResolved registers a hook invoked after every terminal transition, with
// the request already in its final state. Used for forensic audit of
// requests whose waiter cancelled before resolution.
func (c *Coordinator) OnResolved(hook func(*Request)) {
	c.onResolved = hook
}

// Submit registers a new request, arms its deadline timer, and delivers it
// through the callback. The timer guarantees the timeout transition fires
// even if no caller is waiting.
func (c *Coordinator) Submit(inv model.Invocation, assessment model.Assessment) *Request {
	req := newRequest(inv, assessment, c.timeout)
	req.onResolved = c.resolved

	critical := assessment.Level >= model.RiskCritical
	// The timer field is published under the request's lock: the callback
	// resolves through the same lock, so it cannot observe a half-written
	// field even when the deadline fires immediately.
	req.mu.Lock()
	req.timer = time.AfterFunc(c.timeout, func() {
		to := StatusTimedOut
		if critical && c.escalate {
			to = StatusEscalated
		}
		if req.resolve(to) {
			c.logger.Warn("approval deadline elapsed",
				zap.String("approval_id", req.ID),
				zap.String("tool", inv.Tool),
				zap.String("outcome", string(to)))
		}
	})
	req.mu.Unlock()

	c.mu.Lock()
	c.pending[req.ID] = req
	c.mu.Unlock()

	go func() {
		if err := c.callback.Deliver(req); err != nil {
			c.logger.Error("approval delivery failed",
				zap.String("approval_id", req.ID),
				zap.Error(err))
		}
	}()
	return req
}

// Await blocks until the request reaches a terminal state or ctx is
// cancelled. On cancellation the request stays registered so its eventual
// outcome is still observed and logged.
func (c *Coordinator) Await(ctx context.Context, req *Request) (Status, error) {
	select {
	case <-req.Done():
		return req.Status(), nil
	case <-ctx.Done():
		if !req.markWaiterGone() {
			// Resolution raced ahead of the cancellation; the outcome
			// exists, so hand it to the caller.
			return req.Status(), nil
		}
		return StatusPending, ctx.Err()
	}
}

// Resolve applies an external approve/deny response. A response for an
// unknown or already-terminal request is discarded with an error; the
// original outcome stands.
func (c *Coordinator) Resolve(id string, approved bool) error {
	c.mu.Lock()
	req, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval %q not found", id)
	}

	to := StatusDenied
	if approved {
		to = StatusApproved
	}
	if !req.resolve(to) {
		c.logger.Info("late approval response discarded",
			zap.String("approval_id", id),
			zap.String("final_status", string(req.Status())))
		return fmt.Errorf("approval %q already %s", id, req.Status())
	}
	return nil
}

// Get returns a pending or recently resolved request by ID.
func (c *Coordinator) Get(id string) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	return req, ok
}

// Pending lists requests that have not reached a terminal state.
func (c *Coordinator) Pending() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, 0, len(c.pending))
	for _, req := range c.pending {
		if !req.Status().Terminal() {
			out = append(out, req)
		}
	}
	return out
}

// Release drops a request from tracking once its outcome has been consumed.
func (c *Coordinator) Release(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolved runs after every terminal transition. Requests whose waiter is
// gone have nobody left to release them, so the coordinator does it here
// after the hook has seen the final state.
func (c *Coordinator) resolved(req *Request) {
	if c.onResolved != nil {
		c.onResolved(req)
	}
	if req.WaiterGone() {
		c.Release(req.ID)
	}
}
