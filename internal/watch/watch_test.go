package watch

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ralphd/internal/session"
	"github.com/zjrosen/ralphd/internal/store"
)

const testStability = 20 * time.Millisecond

type eventSink struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (s *eventSink) record(e SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) snapshot() []SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *eventSink) last() (SessionEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return SessionEvent{}, false
	}
	return s.events[len(s.events)-1], true
}

func newWatchedStore(t *testing.T) (*store.FileStore, *SessionWatcher, *eventSink) {
	t.Helper()
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	w, err := NewSessionWatcher(fs.Dir(), fs, testStability)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	sink := &eventSink{}
	w.Subscribe(sink.record)
	require.NoError(t, w.Start())
	return fs, w, sink
}

func record(id string, issue int, status session.Status) session.Record {
	now := time.Now().UTC()
	return session.Record{
		SessionID:     id,
		RepositoryID:  "backend",
		Issue:         session.IssueRef{Number: issue},
		BranchName:    session.BranchName(issue),
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        status,
		Mode:          session.ModeManual,
	}
}

func TestSessionWatcher_EmitsAddOnNewFile(t *testing.T) {
	fs, _, sink := newWatchedStore(t)

	require.NoError(t, fs.Save(record("42", 42, session.StatusWorking)))

	require.Eventually(t, func() bool {
		e, ok := sink.last()
		return ok && e.Kind == EventAdd && e.SessionID == "42" && e.Record != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionWatcher_EmitsUpdateOnRewrite(t *testing.T) {
	fs, _, sink := newWatchedStore(t)

	require.NoError(t, fs.Save(record("42", 42, session.StatusWorking)))
	require.Eventually(t, func() bool {
		_, ok := sink.last()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, fs.Save(record("42", 42, session.StatusPaused)))
	require.Eventually(t, func() bool {
		e, ok := sink.last()
		return ok && e.Kind == EventUpdate && e.Record != nil &&
			e.Record.Status == session.StatusPaused
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionWatcher_EmitsRemoveOnDelete(t *testing.T) {
	fs, _, sink := newWatchedStore(t)

	require.NoError(t, fs.Save(record("42", 42, session.StatusWorking)))
	require.Eventually(t, func() bool {
		e, ok := sink.last()
		return ok && e.Kind == EventAdd
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, fs.Delete("42"))
	require.Eventually(t, func() bool {
		e, ok := sink.last()
		return ok && e.Kind == EventRemove && e.SessionID == "42" && e.Record == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionWatcher_ReportsExistingFilesOnStart(t *testing.T) {
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	require.NoError(t, fs.Save(record("7", 7, session.StatusWorking)))

	w, err := NewSessionWatcher(fs.Dir(), fs, testStability)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	sink := &eventSink{}
	w.Subscribe(sink.record)
	require.NoError(t, w.Start())

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, EventAdd, events[0].Kind)
	require.Equal(t, "7", events[0].SessionID)
}

func TestSessionWatcher_PanickingSubscriberDoesNotPoisonOthers(t *testing.T) {
	fs, w, sink := newWatchedStore(t)
	_ = sink

	w.Subscribe(func(SessionEvent) { panic("bad subscriber") })
	healthy := &eventSink{}
	w.Subscribe(healthy.record)

	require.NoError(t, fs.Save(record("42", 42, session.StatusWorking)))

	require.Eventually(t, func() bool {
		_, ok := healthy.last()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateWatcher_EmitsOnWorkerRewrite(t *testing.T) {
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	wc := t.TempDir()
	// The reserved dir must exist before Register can watch it.
	require.NoError(t, fs.WriteState(wc, session.DynamicState{
		Status: session.StatusWorking, LastUpdated: time.Now().UTC(),
	}))

	w, err := NewStateWatcher(fs, testStability)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	var mu sync.Mutex
	var got []StateEvent
	w.Subscribe(func(e StateEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})
	require.NoError(t, w.Register("42", wc))

	require.NoError(t, fs.WriteState(wc, session.DynamicState{
		Status:           session.StatusWorking,
		ForwardedMessage: "use variant B",
		LastUpdated:      time.Now().UTC(),
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 &&
			got[len(got)-1].SessionID == "42" &&
			got[len(got)-1].State.ForwardedMessage == "use variant B"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateWatcher_UnregisterSilences(t *testing.T) {
	fs, err := store.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	wc := t.TempDir()
	require.NoError(t, fs.WriteState(wc, session.DynamicState{Status: session.StatusWorking}))

	w, err := NewStateWatcher(fs, testStability)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	var mu sync.Mutex
	count := 0
	w.Subscribe(func(StateEvent) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	require.NoError(t, w.Register("42", wc))
	w.Unregister(wc)

	require.NoError(t, fs.WriteState(wc, session.DynamicState{Status: session.StatusPaused}))
	time.Sleep(5 * testStability)

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count)
}
