package audit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WriteFailure reports an event that could not be persisted. The decision
// the event records has already taken effect; failures are surfaced so
// operators can detect audit-trail gaps, never to reverse a decision.
type WriteFailure struct {
	Event Event
	Err   error
	Time  time.Time
}

// Recorder is the asynchronous write path in front of a Store. Record is
// non-blocking: events are redacted, stamped, and queued; a worker pool
// drains the queue into the store. Persistence failures go to the Failures
// channel instead of the caller.
type Recorder struct {
	store      Store
	redactor   *Redactor
	logger     *zap.Logger
	policyHash string
	onFailure  func(WriteFailure)

	queue    chan Event
	failures chan WriteFailure
	wg       sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// RecorderConfig sizes the recorder's queue and worker pool.
type RecorderConfig struct {
	BufferSize int
	Workers    int
	PolicyHash string

	// OnFailure, if set, observes every write failure in addition to the
	// Failures channel. Used for failure counters.
	OnFailure func(WriteFailure)
}

// NewRecorder starts the worker pool immediately.
func NewRecorder(store Store, redactor *Redactor, logger *zap.Logger, cfg RecorderConfig) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	r := &Recorder{
		store:      store,
		redactor:   redactor,
		logger:     logger,
		policyHash: cfg.PolicyHash,
		onFailure:  cfg.OnFailure,
		queue:      make(chan Event, cfg.BufferSize),
		failures:   make(chan WriteFailure, cfg.BufferSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Record redacts and enqueues one event. It never blocks: a full queue is a
// write failure, not a stall of the guardrail pipeline. Redaction happens
// here so every buffered copy is already clean.
func (r *Recorder) Record(e Event) {
	if r.redactor != nil {
		e.Parameters = r.redactor.Redact(e.Parameters)
	}
	if e.PolicyHash == "" {
		e.PolicyHash = r.policyHash
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.fail(e, fmt.Errorf("recorder stopped"))
		return
	}
	select {
	case r.queue <- e:
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		r.fail(e, fmt.Errorf("audit queue full (%d events)", cap(r.queue)))
	}
}

// Failures exposes persistence failures for operators. The channel is
// buffered; if nobody listens, failures are still logged and counted but
// dropped from the channel.
func (r *Recorder) Failures() <-chan WriteFailure {
	return r.failures
}

// Stop drains the queue and waits up to timeout for workers to finish.
func (r *Recorder) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit recorder: drain timed out after %v with %d events pending", timeout, len(r.queue))
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for e := range r.queue {
		if err := r.store.Append(e); err != nil {
			r.fail(e, err)
		}
	}
}

func (r *Recorder) fail(e Event, err error) {
	r.logger.Error("audit write failed",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.Error(err))
	f := WriteFailure{Event: e, Err: err, Time: time.Now()}
	if r.onFailure != nil {
		r.onFailure(f)
	}
	select {
	case r.failures <- f:
	default:
	}
}
