// Package session defines the durable session record, its status state
// machine, and the per-repository manager that owns both.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/ralphd/internal/paths"
)

// Working-copy layout names, re-exported from the leaf paths package for
// callers that already import session.
const (
	ReservedDir            = paths.ReservedDir
	ContextFileName        = paths.ContextFileName
	StateFileName          = paths.StateFileName
	PromptFileName         = paths.PromptFileName
	SpawnInfoFileName      = paths.SpawnInfoFileName
	WorkerStatusFileName   = paths.WorkerStatusFileName
	ReviewFeedbackFileName = paths.ReviewFeedbackFileName
	PlanFileName           = paths.PlanFileName
	StuckFileName          = paths.StuckFileName
)

// Mode controls whether the iterative controller drives a session.
type Mode string

const (
	ModeManual     Mode = "manual"
	ModeAutonomous Mode = "autonomous"
)

// IssueRef is the immutable issue snapshot captured at spawn.
type IssueRef struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
}

// Record is the durable per-session state persisted by the store.
type Record struct {
	SessionID    string `json:"sessionId"`
	RepositoryID string `json:"repositoryId"`

	Issue           IssueRef `json:"issue"`
	BranchName      string   `json:"branchName"`
	WorkingCopyPath string   `json:"workingCopyPath"`
	PullRequestURL  string   `json:"pullRequestUrl,omitempty"`
	SpawnID         string   `json:"spawnId,omitempty"`

	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`

	Status           Status `json:"status"`
	Mode             Mode   `json:"mode"`
	StuckReason      string `json:"stuckReason,omitempty"`
	ForwardedMessage string `json:"forwardedMessage,omitempty"`
	PreviousStatus   Status `json:"previousStatus,omitempty"`
	DeletionError    string `json:"deletionError,omitempty"`
}

// Context is the static per-session metadata written into the working copy
// at spawn. Written once, never rewritten.
type Context struct {
	SessionID        string    `json:"sessionId"`
	RepositoryID     string    `json:"repositoryId"`
	IssueNumber      int       `json:"issueNumber"`
	BranchName       string    `json:"branchName"`
	GitHubOwner      string    `json:"githubOwner"`
	GitHubRepo       string    `json:"githubRepo"`
	HeartbeatCommand string    `json:"heartbeatCommand"`
	UpdateCommand    string    `json:"updateCommand"`
	CreatedAt        time.Time `json:"createdAt"`
}

// DynamicState is the mutable working-copy file the manager writes and the
// worker reads.
type DynamicState struct {
	Status           Status    `json:"status"`
	ForwardedMessage string    `json:"forwardedMessage,omitempty"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// Store is the persistence surface the manager depends on. Implemented by
// the file-per-session store.
type Store interface {
	Save(record Record) error
	Load(sessionID string) (Record, bool)
	ListAll() ([]Record, error)
	Delete(sessionID string) error
	Exists(sessionID string) bool

	WriteContext(workingCopyPath string, ctx Context) error
	ReadContext(workingCopyPath string) (Context, bool)
	WriteState(workingCopyPath string, state DynamicState) error
	ReadState(workingCopyPath string) (DynamicState, bool)
}

// Named errors surfaced by manager operations.
var (
	ErrSessionNotFound          = errors.New("session not found")
	ErrIssueAlreadyActive       = errors.New("issue already has an active session")
	ErrSpawnerUnavailable       = errors.New("spawner unavailable")
	ErrWorkingCopyMissing       = errors.New("working copy missing")
	ErrPromptMissing            = errors.New("prompt file missing")
	ErrNotInDeletionFailedState = errors.New("session is not in deletion_failed state")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrTerminalSession          = errors.New("session is in a terminal or deleting state")
)

// IssueFetchError reports a failed issue-tracker lookup.
type IssueFetchError struct {
	IssueNumber int
	Cause       error
}

func (e *IssueFetchError) Error() string {
	return fmt.Sprintf("fetching issue %d: %v", e.IssueNumber, e.Cause)
}

func (e *IssueFetchError) Unwrap() error { return e.Cause }

// OrphanError reports a working copy on disk with no matching session.
// Callers must reconcile explicitly; spawn never silently reclaims.
type OrphanError struct {
	WorkingCopyPath string
	SessionID       string // "unknown" when no context file is readable
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("orphan working copy at %s (session %s)", e.WorkingCopyPath, e.SessionID)
}

// IsOrphan reports whether err is an OrphanError.
func IsOrphan(err error) (*OrphanError, bool) {
	var oe *OrphanError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// BranchName derives the branch for an issue.
func BranchName(issueNumber int) string {
	return fmt.Sprintf("issue-%d", issueNumber)
}

// SessionIDForIssue derives the session id from the primary issue number.
func SessionIDForIssue(issueNumber int) string {
	return fmt.Sprintf("%d", issueNumber)
}
