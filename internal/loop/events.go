package loop

import (
	"fmt"
	"sync"

	"github.com/zjrosen/ralphd/internal/log"
)

// EventKind identifies a loop lifecycle event.
type EventKind string

const (
	EventIterationStart EventKind = "iteration_start"
	EventIterationEnd   EventKind = "iteration_end"
	EventLoopDone       EventKind = "loop_done"
	EventLoopStuck      EventKind = "loop_stuck"
)

// Event is delivered synchronously to subscribers as the loop progresses.
type Event struct {
	Kind         EventKind `json:"kind"`
	RepositoryID string    `json:"repositoryId"`
	SessionID    string    `json:"sessionId"`
	Iteration    int       `json:"iteration"`
	Reason       string    `json:"reason,omitempty"`
}

// subscribers fans events out to registered callbacks. A panicking callback
// is logged and never takes down the loop.
type subscribers struct {
	mu  sync.RWMutex
	fns []func(Event)
}

func (s *subscribers) add(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

func (s *subscribers) emit(ev Event) {
	s.mu.RLock()
	fns := make([]func(Event), len(s.fns))
	copy(fns, s.fns)
	s.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.ErrorErr(log.CatLoop, "event subscriber panicked",
						fmt.Errorf("%v", r), "kind", string(ev.Kind), "sessionId", ev.SessionID)
				}
			}()
			fn(ev)
		}()
	}
}
