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

// StateEvent is one working-copy session-state change.
type StateEvent struct {
	SessionID string
	State     session.DynamicState
}

// StateReader reads a working copy's dynamic state. The file store satisfies
// this.
type StateReader interface {
	ReadState(workingCopyPath string) (session.DynamicState, bool)
}

// StateWatcher watches the session-state file inside each registered working
// copy and notifies callbacks when a worker rewrites it.
type StateWatcher struct {
	reader    StateReader
	stability time.Duration
	fsWatcher *fsnotify.Watcher
	done      chan struct{}

	mu        sync.Mutex
	callbacks []func(StateEvent)
	// watched reserved dir -> session binding
	bindings map[string]stateBinding
	timers   map[string]*time.Timer
	closed   bool
}

type stateBinding struct {
	sessionID       string
	workingCopyPath string
}

// NewStateWatcher creates a working-copy state watcher.
func NewStateWatcher(reader StateReader, stability time.Duration) (*StateWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if stability <= 0 {
		stability = DefaultStability
	}
	w := &StateWatcher{
		reader:    reader,
		stability: stability,
		fsWatcher: fsw,
		done:      make(chan struct{}),
		bindings:  make(map[string]stateBinding),
		timers:    make(map[string]*time.Timer),
	}
	log.SafeGo("state-watcher", w.loop)
	return w, nil
}

// Subscribe registers a callback with per-subscriber panic recovery.
func (w *StateWatcher) Subscribe(fn func(StateEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Register starts watching a session's working copy.
func (w *StateWatcher) Register(sessionID, workingCopyPath string) error {
	dir := filepath.Join(workingCopyPath, store.ReservedDir)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.mu.Lock()
	w.bindings[dir] = stateBinding{sessionID: sessionID, workingCopyPath: workingCopyPath}
	w.mu.Unlock()
	return nil
}

// Unregister stops watching a session's working copy.
func (w *StateWatcher) Unregister(workingCopyPath string) {
	dir := filepath.Join(workingCopyPath, store.ReservedDir)
	_ = w.fsWatcher.Remove(dir)
	w.mu.Lock()
	delete(w.bindings, dir)
	if t, ok := w.timers[dir]; ok {
		t.Stop()
		delete(w.timers, dir)
	}
	w.mu.Unlock()
}

// Stop terminates the watcher.
func (w *StateWatcher) Stop() error {
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

func (w *StateWatcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != store.StateFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleRead(filepath.Dir(event.Name))

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatWatch, "state watcher error", err)

		case <-w.done:
			return
		}
	}
}

func (w *StateWatcher) scheduleRead(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, ok := w.bindings[dir]; !ok {
		return
	}
	if t, ok := w.timers[dir]; ok {
		t.Reset(w.stability)
		return
	}
	w.timers[dir] = time.AfterFunc(w.stability, func() {
		w.readAndEmit(dir)
	})
}

func (w *StateWatcher) readAndEmit(dir string) {
	w.mu.Lock()
	delete(w.timers, dir)
	binding, ok := w.bindings[dir]
	w.mu.Unlock()
	if !ok {
		return
	}

	state, ok := w.reader.ReadState(binding.workingCopyPath)
	if !ok {
		// Missing or partial write; the worker will rewrite it.
		return
	}

	w.mu.Lock()
	callbacks := make([]func(StateEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	event := StateEvent{SessionID: binding.sessionID, State: state}
	for _, fn := range callbacks {
		invokeGuarded("state", func() { fn(event) })
	}
}
