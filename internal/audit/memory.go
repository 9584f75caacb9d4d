package audit

import (
	"sort"
	"sync"
	"time"

	"github.com/toolgate-io/toolgate/internal/model"
)

// MemoryStore keeps events in memory, ordered by (timestamp, id). Used in
// tests and ephemeral setups; SQLiteStore is the durable counterpart.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append inserts the event at its ordered position.
func (s *MemoryStore) Append(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.events), func(i int) bool {
		return eventAfter(s.events[i], e)
	})
	s.events = append(s.events, Event{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = e
	return nil
}

// Query returns an iterator over a snapshot of matching events. The snapshot
// makes the iterator restartable and immune to concurrent appends.
func (s *MemoryStore) Query(f Filter) (Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []Event
	for _, e := range s.events {
		if !f.matches(e) {
			continue
		}
		matched = append(matched, e)
		if f.Limit > 0 && len(matched) >= f.Limit {
			break
		}
	}
	return &sliceIterator{events: matched}, nil
}

// Stats aggregates over the same matching logic Query uses.
func (s *MemoryStore) Stats(f Filter) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		ByType:  make(map[EventType]int),
		ByLevel: make(map[model.RiskLevel]int),
	}
	for _, e := range s.events {
		if !f.matches(e) {
			continue
		}
		st.Total++
		st.ByType[e.Type]++
		st.ByLevel[e.RiskLevel]++
		if e.Blocked {
			st.Blocked++
		}
	}
	return st, nil
}

// PruneBefore drops events older than cutoff and reports how many.
func (s *MemoryStore) PruneBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.events), func(i int) bool {
		return !s.events[i].Timestamp.Before(cutoff)
	})
	pruned := i
	s.events = append([]Event(nil), s.events[i:]...)
	return pruned, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// eventAfter orders by (timestamp, id), ties broken by id for determinism.
func eventAfter(a, b Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

type sliceIterator struct {
	events []Event
	pos    int
}

func (it *sliceIterator) Next() (Event, bool) {
	if it.pos >= len(it.events) {
		return Event{}, false
	}
	e := it.events[it.pos]
	it.pos++
	return e, true
}

func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }
