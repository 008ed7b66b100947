// Package watch translates filesystem events on session files and
// working-copy state files into typed event streams with per-file
// debouncing.
package watch

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/session"
	"github.com/zjrosen/ralphd/internal/store"
)

// DefaultStability is the per-file quiet window before a changed session
// file is read, so partial writes are never observed.
const DefaultStability = 100 * time.Millisecond

// EventKind classifies session-directory events.
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventUpdate EventKind = "update"
	EventRemove EventKind = "remove"
)

// SessionEvent is one session-directory change.
type SessionEvent struct {
	Kind      EventKind
	SessionID string
	Record    *session.Record // nil for remove
}

// RecordLoader reads a session record by id. The file store satisfies this.
type RecordLoader interface {
	Load(sessionID string) (session.Record, bool)
}

// SessionWatcher watches a repository's session directory for work-*.json
// changes and notifies registered callbacks.
type SessionWatcher struct {
	dir       string
	stability time.Duration
	loader    RecordLoader
	fsWatcher *fsnotify.Watcher
	done      chan struct{}

	mu        sync.Mutex
	callbacks []func(SessionEvent)
	timers    map[string]*time.Timer
	known     map[string]bool
	closed    bool
}

// NewSessionWatcher creates a watcher over the given session directory.
func NewSessionWatcher(dir string, loader RecordLoader, stability time.Duration) (*SessionWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if stability <= 0 {
		stability = DefaultStability
	}
	return &SessionWatcher{
		dir:       dir,
		stability: stability,
		loader:    loader,
		fsWatcher: fsw,
		done:      make(chan struct{}),
		timers:    make(map[string]*time.Timer),
		known:     make(map[string]bool),
	}, nil
}

// Subscribe registers a callback. Panics inside a callback are caught and
// logged so one bad subscriber cannot poison others.
func (w *SessionWatcher) Subscribe(fn func(SessionEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching. Existing session files are reported as adds so
// subscribers converge on the on-disk state.
func (w *SessionWatcher) Start() error {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	if records, err := listRecords(w.loader, w.dir); err == nil {
		for i := range records {
			record := records[i]
			w.mu.Lock()
			w.known[record.SessionID] = true
			w.mu.Unlock()
			w.emit(SessionEvent{Kind: EventAdd, SessionID: record.SessionID, Record: &record})
		}
	}

	log.SafeGo("session-watcher-"+w.dir, w.loop)
	return nil
}

// Stop terminates the watcher and releases resources.
func (w *SessionWatcher) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	return w.fsWatcher.Close()
}

func (w *SessionWatcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			sessionID := store.SessionIDFromFileName(filepath.Base(event.Name))
			if sessionID == "" {
				continue
			}
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.handleRemove(sessionID)
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				w.scheduleRead(sessionID)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatWatch, "session watcher error", err, "dir", w.dir)

		case <-w.done:
			return
		}
	}
}

// scheduleRead (re)arms the per-file stability timer.
func (w *SessionWatcher) scheduleRead(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[sessionID]; ok {
		t.Reset(w.stability)
		return
	}
	w.timers[sessionID] = time.AfterFunc(w.stability, func() {
		w.readAndEmit(sessionID)
	})
}

func (w *SessionWatcher) readAndEmit(sessionID string) {
	w.mu.Lock()
	delete(w.timers, sessionID)
	w.mu.Unlock()

	record, ok := w.loader.Load(sessionID)
	if !ok {
		// Removed or unparseable between the event and the read.
		w.handleRemove(sessionID)
		return
	}

	w.mu.Lock()
	kind := EventUpdate
	if !w.known[sessionID] {
		kind = EventAdd
		w.known[sessionID] = true
	}
	w.mu.Unlock()

	w.emit(SessionEvent{Kind: kind, SessionID: sessionID, Record: &record})
}

func (w *SessionWatcher) handleRemove(sessionID string) {
	w.mu.Lock()
	if t, ok := w.timers[sessionID]; ok {
		t.Stop()
		delete(w.timers, sessionID)
	}
	wasKnown := w.known[sessionID]
	delete(w.known, sessionID)
	w.mu.Unlock()

	if wasKnown {
		w.emit(SessionEvent{Kind: EventRemove, SessionID: sessionID})
	}
}

func (w *SessionWatcher) emit(event SessionEvent) {
	w.mu.Lock()
	callbacks := make([]func(SessionEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, fn := range callbacks {
		invokeGuarded("session", func() { fn(event) })
	}
}

// invokeGuarded runs a subscriber callback with panic recovery.
func invokeGuarded(watcher string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatWatch, "subscriber callback panicked",
				"watcher", watcher, "panic", r)
		}
	}()
	fn()
}

// listRecords enumerates existing records through the loader when it also
// supports listing, as the file store does.
func listRecords(loader RecordLoader, dir string) ([]session.Record, error) {
	if lister, ok := loader.(interface {
		ListAll() ([]session.Record, error)
	}); ok {
		return lister.ListAll()
	}
	return nil, nil
}
