// Package loop drives autonomous sessions through bounded re-spawn cycles
// with promise evaluation, review-agent gating, and git-operation hooks.
// Each active session gets its own long-lived poll goroutine; a shared
// registry supports listing and cancellation.
package loop

import (
	"time"

	"github.com/zjrosen/ralphd/internal/session"
)

// State is the loop-level lifecycle of one session's iteration driver.
type State string

const (
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateReviewing State = "reviewing"
	StateDone      State = "done"
	StateStuck     State = "stuck"
	StatePaused    State = "paused"
)

// ExitType classifies how one iteration's worker run ended.
type ExitType string

const (
	ExitRunning    ExitType = "running"
	ExitClean      ExitType = "clean"
	ExitAbnormal   ExitType = "abnormal"
	ExitPromiseMet ExitType = "promise_met"
)

// IterationAttempt records one pass of the loop, 1-indexed.
type IterationAttempt struct {
	Iteration          int            `json:"iteration"`
	StartedAt          time.Time      `json:"startedAt"`
	EndedAt            *time.Time     `json:"endedAt,omitempty"`
	ExitType           ExitType       `json:"exitType"`
	DoneSignalDetected bool           `json:"doneSignalDetected"`
	StatusAtEnd        session.Status `json:"statusAtEnd,omitempty"`
}

// CommitOutcome classifies a commit hook run.
type CommitOutcome string

const (
	CommitSuccess   CommitOutcome = "success"
	CommitNoChanges CommitOutcome = "no_changes"
	CommitFailed    CommitOutcome = "failed"
)

// CommitResult records the last commit hook outcome.
type CommitResult struct {
	Outcome   CommitOutcome `json:"outcome"`
	Message   string        `json:"message"`
	Iteration int           `json:"iteration"`
}

// PushOutcome classifies a push hook run.
type PushOutcome string

const (
	PushSuccess PushOutcome = "success"
	PushFailed  PushOutcome = "failed"
)

// PushResult records the last push hook outcome.
type PushResult struct {
	Outcome PushOutcome `json:"outcome"`
	Message string      `json:"message"`
}

// resumeAction selects what a waiting loop does when its delay elapses.
type resumeAction int

const (
	resumeNone resumeAction = iota
	// resumeNextIteration starts a fresh iteration and resets the failure
	// counter.
	resumeNextIteration
	// resumeRespawn starts the next iteration without resetting the failure
	// counter, used after a worker exited with no completion marker.
	resumeRespawn
)

// IterationState is the in-memory per-session loop record. Snapshots are
// value copies; the controller's task goroutine owns the live instance.
type IterationState struct {
	RepositoryID string `json:"repositoryId"`
	SessionID    string `json:"sessionId"`

	CurrentIteration int   `json:"currentIteration"`
	TargetIterations int   `json:"targetIterations"`
	State            State `json:"state"`

	Iterations          []IterationAttempt `json:"iterations"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`

	ReviewCycle       int     `json:"reviewCycle"`
	LastReviewVerdict Verdict `json:"lastReviewVerdict,omitempty"`

	LastCompletedTaskCount int           `json:"lastCompletedTaskCount"`
	LastCommit             *CommitResult `json:"lastCommit,omitempty"`
	LastPush               *PushResult   `json:"lastPush,omitempty"`

	LastChecked time.Time `json:"lastChecked,omitempty"`
	StuckReason string    `json:"stuckReason,omitempty"`

	resumeAt   time.Time
	pending    resumeAction
	pausedFrom State
}

// currentAttempt returns the live attempt row, or nil before the first
// iteration starts.
func (s *IterationState) currentAttempt() *IterationAttempt {
	if len(s.Iterations) == 0 {
		return nil
	}
	return &s.Iterations[len(s.Iterations)-1]
}

// snapshot deep-copies the state for external readers.
func (s *IterationState) snapshot() IterationState {
	out := *s
	out.Iterations = make([]IterationAttempt, len(s.Iterations))
	copy(out.Iterations, s.Iterations)
	return out
}
