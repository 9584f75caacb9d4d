package approval

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDefault coalesces the burst of write events an atomic
// tmp+rename produces into one read per ticket.
const debounceDefault = 200 * time.Millisecond

// pollDefault is the scan interval for the polling fallback.
const pollDefault = 2 * time.Second

// Watcher feeds reviewer decisions from a FileStore back into a Coordinator.
// It watches the ticket directory and resolves the in-memory request when a
// ticket's status turns terminal.
type Watcher struct {
	store    *FileStore
	coord    *Coordinator
	logger   *zap.Logger
	debounce time.Duration
}

// NewWatcher wires a FileStore to a Coordinator.
func NewWatcher(store *FileStore, coord *Coordinator, logger *zap.Logger) *Watcher {
	return &Watcher{
		store:    store,
		coord:    coord,
		logger:   logger,
		debounce: debounceDefault,
	}
}

// Run watches the ticket directory until ctx is cancelled. Falls back to
// polling when fsnotify cannot watch the directory (e.g. NFS).
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling approvals", zap.Error(err))
		return w.poll(ctx)
	}
	defer fw.Close()
	if err := fw.Add(w.store.Dir()); err != nil {
		w.logger.Warn("cannot watch approval directory, polling", zap.Error(err))
		return w.poll(ctx)
	}

	// One timer debounces all tickets; when it fires, every accumulated
	// ID is checked. No per-event goroutines.
	var mu sync.Mutex
	ready := make(map[string]struct{})

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		mu.Lock()
		batch := make([]string, 0, len(ready))
		for id := range ready {
			batch = append(batch, id)
		}
		ready = make(map[string]struct{})
		mu.Unlock()
		for _, id := range batch {
			w.check(id)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			flush()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			id, ok := ticketID(event.Name)
			if !ok {
				continue
			}
			mu.Lock()
			ready[id] = struct{}{}
			mu.Unlock()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("approval watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(pollDefault)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tickets, err := w.store.List()
			if err != nil {
				continue
			}
			for _, t := range tickets {
				if t.Status.Terminal() {
					w.check(t.ID)
				}
			}
		}
	}
}

// check reads one ticket and applies a terminal status to the coordinator.
// Resolve rejects already-resolved requests, so duplicate events are
// harmless.
func (w *Watcher) check(id string) {
	t, err := w.store.Read(id)
	if err != nil {
		return
	}
	switch t.Status {
	case StatusApproved:
		_ = w.coord.Resolve(id, true)
	case StatusDenied:
		_ = w.coord.Resolve(id, false)
	}
}

// ticketID extracts the approval ID from a ticket path, rejecting .tmp
// partial writes.
func ticketID(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}
