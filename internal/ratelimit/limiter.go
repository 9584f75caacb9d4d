// Package ratelimit provides per-(tool, session) fixed-window call counters.
//
// Counts are monotonic within a window and reset exactly at window
// boundaries. Reserve is a single check-and-increment under one lock, so
// concurrent evaluators can never collectively exceed a configured limit.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the counting window for per-minute limits.
const DefaultWindow = time.Minute

// Key identifies one counter: a tool within a session.
type Key struct {
	Tool    string
	Session string
}

type window struct {
	start time.Time
	count int
}

// Limiter tracks call counts per (tool, session) over a fixed window.
// Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[Key]*window
	period  time.Duration
	now     func() time.Time
}

// New creates a Limiter with the default one-minute window.
func New() *Limiter {
	return NewWithWindow(DefaultWindow)
}

// NewWithWindow creates a Limiter with a custom window, used by tests to
// compress time.
func NewWithWindow(period time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[Key]*window),
		period:  period,
		now:     time.Now,
	}
}

// Reserve consumes one unit of the window budget for (tool, session) if the
// current count is below limit. It returns false, without incrementing,
// when the window is exhausted. A limit <= 0 means unlimited and always
// succeeds without counting.
func (l *Limiter) Reserve(tool, session string, limit int) bool {
	if limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.currentLocked(Key{Tool: tool, Session: session})
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// Count returns the calls recorded in the current window for (tool, session).
func (l *Limiter) Count(tool, session string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentLocked(Key{Tool: tool, Session: session}).count
}

// currentLocked returns the live window for key, resetting it when the
// period has elapsed. Caller must hold mu.
func (l *Limiter) currentLocked(k Key) *window {
	now := l.now()
	w, ok := l.windows[k]
	if !ok {
		w = &window{start: now}
		l.windows[k] = w
		return w
	}
	if now.Sub(w.start) >= l.period {
		w.start = now
		w.count = 0
	}
	return w
}
