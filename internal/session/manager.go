package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/zjrosen/ralphd/internal/git"
	"github.com/zjrosen/ralphd/internal/github"
	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/prompt"
	"github.com/zjrosen/ralphd/internal/spawner"
)

// DefaultStaleThreshold marks a session stale when its heartbeat is older.
const DefaultStaleThreshold = 90 * time.Second

// DefaultCancelWait is the pause between persisting cancelled and removing
// the working copy, giving a watcher-driven worker time to exit.
const DefaultCancelWait = 2 * time.Second

// ManagerConfig declares the repository a Manager orchestrates.
type ManagerConfig struct {
	RepositoryID   string
	RepoRoot       string
	BaseRef        string
	Owner          string
	Name           string
	WorktreePrefix string

	StaleThreshold time.Duration
	CancelWait     time.Duration
}

// Manager is the per-repository orchestrator. It exclusively owns the
// repository's session records; every session-scoped operation serialises
// against other operations on the same session id.
type Manager struct {
	cfg     ManagerConfig
	store   Store
	vcs     git.Gateway
	issues  github.Gateway
	spawner spawner.Spawner
	prompts *prompt.Builder
	now     func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager wires a Manager from its collaborators.
func NewManager(cfg ManagerConfig, store Store, vcs git.Gateway, issues github.Gateway,
	sp spawner.Spawner, prompts *prompt.Builder, opts ...ManagerOption) *Manager {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.CancelWait <= 0 {
		cfg.CancelWait = DefaultCancelWait
	}
	if cfg.WorktreePrefix == "" {
		cfg.WorktreePrefix = filepath.Base(cfg.RepoRoot) + "-"
	}
	m := &Manager{
		cfg:     cfg,
		store:   store,
		vcs:     vcs,
		issues:  issues,
		spawner: sp,
		prompts: prompts,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RepositoryID returns the repository this manager owns.
func (m *Manager) RepositoryID() string {
	return m.cfg.RepositoryID
}

// lockFor returns the mutex serialising one session's operations.
func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	mu, ok := m.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[sessionID] = mu
	}
	return mu
}

// WorkingCopyPath returns the sibling working-copy path for an issue.
func (m *Manager) WorkingCopyPath(issueNumber int) string {
	return filepath.Join(filepath.Dir(m.cfg.RepoRoot), m.cfg.WorktreePrefix+BranchName(issueNumber))
}

// SpawnOptions tunes a spawn request.
type SpawnOptions struct {
	Mode                     Mode
	AdditionalPromptSections []string
}

// Spawn provisions a working copy for the issue, launches a worker in it,
// and persists the session record. The per-session lock is released while
// the spawner runs; the record is first written as registered to claim the
// slot, then promoted to working or rolled back.
func (m *Manager) Spawn(ctx context.Context, issueNumber int, opts SpawnOptions) (Record, error) {
	sessionID := SessionIDForIssue(issueNumber)
	if opts.Mode == "" {
		opts.Mode = ModeManual
	}

	mu := m.lockFor(sessionID)
	mu.Lock()

	record, err := m.prepareSpawn(ctx, issueNumber, sessionID, opts)
	if err != nil {
		mu.Unlock()
		return Record{}, err
	}

	promptPath := filepath.Join(record.WorkingCopyPath, ReservedDir, PromptFileName)
	promptContent, readErr := os.ReadFile(promptPath) //nolint:gosec // G304: path is inside the working copy
	mu.Unlock()
	if readErr != nil {
		m.rollbackSpawn(ctx, record)
		return Record{}, fmt.Errorf("%w: %s", ErrPromptMissing, promptPath)
	}

	result := m.spawner.Spawn(ctx, spawner.Request{
		SessionID:        sessionID,
		IssueNumber:      issueNumber,
		IssueTitle:       record.Issue.Title,
		WorkingDirectory: record.WorkingCopyPath,
		PromptFilePath:   promptPath,
		PromptContent:    string(promptContent),
		GitHubOwner:      m.cfg.Owner,
		GitHubRepo:       m.cfg.Name,
		Iteration:        1,
	})

	mu.Lock()
	defer mu.Unlock()

	if !result.Success {
		m.rollbackSpawn(ctx, record)
		return Record{}, fmt.Errorf("spawner %s failed: %s", m.spawner.Name(), result.Error)
	}

	// The claim may have been deleted while the lock was released for the
	// spawn. Reload before promoting; a vanished record means the worker
	// must not survive.
	record, ok := m.store.Load(sessionID)
	if !ok {
		m.spawner.Stop(result.SpawnID)
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	record.Status = StatusWorking
	record.SpawnID = result.SpawnID
	record.LastHeartbeat = m.now().UTC()
	if err := m.store.Save(record); err != nil {
		m.spawner.Stop(result.SpawnID)
		m.rollbackSpawn(ctx, record)
		return Record{}, fmt.Errorf("promoting session: %w", err)
	}
	m.writeState(record)

	log.Info(log.CatSession, "session spawned",
		"sessionId", sessionID, "repo", m.cfg.RepositoryID,
		"spawnId", result.SpawnID, "mode", string(opts.Mode))
	return record, nil
}

// prepareSpawn runs the locked pre-spawn phase: uniqueness checks, issue
// fetch, orphan detection, working-copy provisioning, and the registered
// claim.
func (m *Manager) prepareSpawn(ctx context.Context, issueNumber int, sessionID string, opts SpawnOptions) (Record, error) {
	if existing, ok := m.store.Load(sessionID); ok {
		if !existing.Status.IsTerminal() {
			return Record{}, fmt.Errorf("%w: session %s is %s",
				ErrIssueAlreadyActive, sessionID, existing.Status)
		}
		// Garbage-collect the prior terminal record for this issue.
		if err := m.store.Delete(sessionID); err != nil {
			return Record{}, fmt.Errorf("clearing terminal record: %w", err)
		}
	}

	if !m.spawner.Available() {
		return Record{}, fmt.Errorf("%w: %s", ErrSpawnerUnavailable, m.spawner.Name())
	}

	issue, err := m.issues.FetchIssue(ctx, m.cfg.Owner, m.cfg.Name, issueNumber)
	if err != nil {
		return Record{}, &IssueFetchError{IssueNumber: issueNumber, Cause: err}
	}

	workingCopyPath := m.WorkingCopyPath(issueNumber)
	if _, statErr := os.Stat(workingCopyPath); statErr == nil {
		if m.vcs.IsWorkingCopy(ctx, workingCopyPath) {
			orphanID := "unknown"
			if wcCtx, ok := m.store.ReadContext(workingCopyPath); ok {
				orphanID = wcCtx.SessionID
			}
			return Record{}, &OrphanError{WorkingCopyPath: workingCopyPath, SessionID: orphanID}
		}
		return Record{}, fmt.Errorf("path %s exists and is not a working copy", workingCopyPath)
	}

	branch := BranchName(issueNumber)
	if err := m.vcs.CreateWorkingCopy(ctx, m.cfg.RepoRoot, workingCopyPath, branch, m.cfg.BaseRef); err != nil {
		return Record{}, fmt.Errorf("creating working copy: %w", err)
	}

	now := m.now().UTC()
	record := Record{
		SessionID:       sessionID,
		RepositoryID:    m.cfg.RepositoryID,
		Issue:           IssueRef{Number: issue.Number, Title: issue.Title, Body: issue.Body},
		BranchName:      branch,
		WorkingCopyPath: workingCopyPath,
		StartedAt:       now,
		LastHeartbeat:   now,
		Status:          StatusRegistered,
		Mode:            opts.Mode,
	}

	if err := m.seedWorkingCopy(record, opts.AdditionalPromptSections); err != nil {
		m.rollbackSpawn(ctx, record)
		return Record{}, err
	}

	if err := m.store.Save(record); err != nil {
		m.rollbackSpawn(ctx, record)
		return Record{}, fmt.Errorf("saving session claim: %w", err)
	}
	m.writeState(record)
	return record, nil
}

// seedWorkingCopy writes the plan, prompt, and context files into a fresh
// working copy.
func (m *Manager) seedWorkingCopy(record Record, extraSections []string) error {
	planPath := filepath.Join(record.WorkingCopyPath, PlanFileName)
	if err := os.WriteFile(planPath, []byte(record.Issue.Body), 0o644); err != nil { //nolint:gosec // G306
		return fmt.Errorf("writing plan file: %w", err)
	}

	body, err := m.prompts.Build(prompt.Input{
		Owner:              m.cfg.Owner,
		Repo:               m.cfg.Name,
		IssueNumber:        record.Issue.Number,
		IssueTitle:         record.Issue.Title,
		IssueBody:          record.Issue.Body,
		BranchName:         record.BranchName,
		WorkingCopyPath:    record.WorkingCopyPath,
		Mode:               string(record.Mode),
		AdditionalSections: extraSections,
	})
	if err != nil {
		return err
	}

	reservedDir := filepath.Join(record.WorkingCopyPath, ReservedDir)
	if err := os.MkdirAll(reservedDir, 0o755); err != nil {
		return fmt.Errorf("creating reserved dir: %w", err)
	}
	promptPath := filepath.Join(reservedDir, PromptFileName)
	if err := os.WriteFile(promptPath, []byte(body), 0o644); err != nil { //nolint:gosec // G306
		return fmt.Errorf("writing prompt: %w", err)
	}

	return m.store.WriteContext(record.WorkingCopyPath, Context{
		SessionID:        record.SessionID,
		RepositoryID:     record.RepositoryID,
		IssueNumber:      record.Issue.Number,
		BranchName:       record.BranchName,
		GitHubOwner:      m.cfg.Owner,
		GitHubRepo:       m.cfg.Name,
		HeartbeatCommand: fmt.Sprintf("ralphd heartbeat %s", record.SessionID),
		UpdateCommand:    fmt.Sprintf("ralphd status %s", record.SessionID),
		CreatedAt:        m.now().UTC(),
	})
}

// rollbackSpawn undoes a failed spawn: the record and the working copy are
// removed so no half-provisioned session survives.
func (m *Manager) rollbackSpawn(ctx context.Context, record Record) {
	if err := m.store.Delete(record.SessionID); err != nil {
		log.ErrorErr(log.CatSession, "rollback: deleting record failed", err, "sessionId", record.SessionID)
	}
	if err := m.vcs.RemoveWorkingCopy(ctx, m.cfg.RepoRoot, record.WorkingCopyPath); err != nil {
		log.ErrorErr(log.CatSession, "rollback: removing working copy failed", err,
			"sessionId", record.SessionID, "path", record.WorkingCopyPath)
	}
	_ = m.vcs.DeleteLocalBranch(ctx, m.cfg.RepoRoot, record.BranchName)
}

// Restart re-invokes the spawner for an existing session, clearing any stuck
// reason. Terminal and deleting sessions are refused; the working copy and
// prompt must still exist.
func (m *Manager) Restart(ctx context.Context, sessionID string, iteration int) (Record, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()

	record, ok := m.store.Load(sessionID)
	if !ok {
		mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if record.Status.IsTerminal() || record.Status.IsDeletionState() {
		mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s is %s", ErrTerminalSession, sessionID, record.Status)
	}
	if _, err := os.Stat(record.WorkingCopyPath); err != nil {
		mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrWorkingCopyMissing, record.WorkingCopyPath)
	}
	promptPath := filepath.Join(record.WorkingCopyPath, ReservedDir, PromptFileName)
	promptContent, err := os.ReadFile(promptPath) //nolint:gosec // G304: path is inside the working copy
	if err != nil {
		mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrPromptMissing, promptPath)
	}
	mu.Unlock()

	result := m.spawner.Spawn(ctx, spawner.Request{
		SessionID:        sessionID,
		IssueNumber:      record.Issue.Number,
		IssueTitle:       record.Issue.Title,
		WorkingDirectory: record.WorkingCopyPath,
		PromptFilePath:   promptPath,
		PromptContent:    string(promptContent),
		GitHubOwner:      m.cfg.Owner,
		GitHubRepo:       m.cfg.Name,
		Iteration:        iteration,
	})

	mu.Lock()
	defer mu.Unlock()

	if !result.Success {
		return Record{}, fmt.Errorf("spawner %s failed: %s", m.spawner.Name(), result.Error)
	}

	record, ok = m.store.Load(sessionID)
	if !ok {
		m.spawner.Stop(result.SpawnID)
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	record.Status = StatusWorking
	record.StuckReason = ""
	record.SpawnID = result.SpawnID
	record.LastHeartbeat = m.now().UTC()
	if err := m.store.Save(record); err != nil {
		return Record{}, fmt.Errorf("saving restarted session: %w", err)
	}
	m.writeState(record)

	log.Info(log.CatSession, "session restarted",
		"sessionId", sessionID, "iteration", iteration, "spawnId", result.SpawnID)
	return record, nil
}

// RecordWithCleanup augments a record with observability flags.
type RecordWithCleanup struct {
	Record
	WorkingCopyMissing bool `json:"workingCopyMissing"`
	// CleanupInfo is retained for backward compatibility and always empty.
	CleanupInfo string `json:"cleanupInfo"`
}

// List returns all records ordered by issue number.
func (m *Manager) List() ([]Record, error) {
	return m.store.ListAll()
}

// ListRunning returns records whose status is active.
func (m *Manager) ListRunning() ([]Record, error) {
	records, err := m.store.ListAll()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range records {
		if r.Status.IsActive() {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListWithCleanupInfo returns all records with a workingCopyMissing flag.
// Sessions are never auto-deleted.
func (m *Manager) ListWithCleanupInfo() ([]RecordWithCleanup, error) {
	records, err := m.store.ListAll()
	if err != nil {
		return nil, err
	}
	out := make([]RecordWithCleanup, 0, len(records))
	for _, r := range records {
		_, statErr := os.Stat(r.WorkingCopyPath)
		out = append(out, RecordWithCleanup{
			Record:             r,
			WorkingCopyMissing: statErr != nil,
		})
	}
	return out, nil
}

// Get returns one record.
func (m *Manager) Get(sessionID string) (Record, error) {
	record, ok := m.store.Load(sessionID)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return record, nil
}

var pullURLRe = regexp.MustCompile(`/pull/(\d+)$`)

// GetByPullRequest finds the session whose stored PR URL ends in /pull/N.
func (m *Manager) GetByPullRequest(prNumber int) (Record, error) {
	records, err := m.store.ListAll()
	if err != nil {
		return Record{}, err
	}
	for _, r := range records {
		match := pullURLRe.FindStringSubmatch(r.PullRequestURL)
		if match == nil {
			continue
		}
		if n, _ := strconv.Atoi(match[1]); n == prNumber {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("%w: pull request %d", ErrSessionNotFound, prNumber)
}

// UpdateOptions carries optional fields for Update.
type UpdateOptions struct {
	Reason string
	PRURL  string
}

// Update applies a status change, bumping the heartbeat. StuckReason is set
// only when the new status is stuck.
func (m *Manager) Update(ctx context.Context, sessionID string, newStatus Status, opts UpdateOptions) (Record, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return m.updateLocked(sessionID, newStatus, opts)
}

func (m *Manager) updateLocked(sessionID string, newStatus Status, opts UpdateOptions) (Record, error) {
	record, ok := m.store.Load(sessionID)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !record.Status.CanTransitionTo(newStatus) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, newStatus)
	}

	record.Status = newStatus
	if newStatus == StatusStuck {
		record.StuckReason = opts.Reason
		if record.StuckReason == "" {
			record.StuckReason = "unspecified"
		}
	} else {
		record.StuckReason = ""
	}
	if opts.PRURL != "" {
		record.PullRequestURL = opts.PRURL
	}
	record.LastHeartbeat = m.now().UTC()

	if err := m.store.Save(record); err != nil {
		return Record{}, fmt.Errorf("saving session: %w", err)
	}
	m.writeState(record)

	log.Info(log.CatSession, "status updated",
		"sessionId", sessionID, "status", string(newStatus), "reason", opts.Reason)
	return record, nil
}

// Pause holds a working session. Idempotent; terminal and deleting sessions
// are refused.
func (m *Manager) Pause(ctx context.Context, sessionID string) (Record, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	record, ok := m.store.Load(sessionID)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if record.Status == StatusPaused {
		return record, nil
	}
	if record.Status.IsTerminal() || record.Status.IsDeletionState() {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrTerminalSession, sessionID, record.Status)
	}
	return m.updateLocked(sessionID, StatusPaused, UpdateOptions{})
}

// Resume releases a paused session. Idempotent.
func (m *Manager) Resume(ctx context.Context, sessionID string) (Record, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	record, ok := m.store.Load(sessionID)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if record.Status == StatusWorking {
		return record, nil
	}
	if record.Status.IsTerminal() || record.Status.IsDeletionState() {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrTerminalSession, sessionID, record.Status)
	}
	return m.updateLocked(sessionID, StatusWorking, UpdateOptions{})
}

// Forward sets the forwarded message on the record and mirrors it into the
// working-copy state file so a running worker can observe it.
func (m *Manager) Forward(ctx context.Context, sessionID, message string) (Record, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	record, ok := m.store.Load(sessionID)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if record.Status.IsTerminal() || record.Status.IsDeletionState() {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrTerminalSession, sessionID, record.Status)
	}

	record.ForwardedMessage = message
	record.LastHeartbeat = m.now().UTC()
	if err := m.store.Save(record); err != nil {
		return Record{}, fmt.Errorf("saving session: %w", err)
	}
	m.writeState(record)

	log.Info(log.CatSession, "message forwarded", "sessionId", sessionID)
	return record, nil
}

// HeartbeatResult reports a heartbeat outcome.
type HeartbeatResult struct {
	Recorded   bool `json:"recorded"`
	HasMessage bool `json:"hasMessage"`
}

// Heartbeat bumps lastHeartbeat and reports whether a forwarded message is
// waiting.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) (HeartbeatResult, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	record, ok := m.store.Load(sessionID)
	if !ok {
		return HeartbeatResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	record.LastHeartbeat = m.now().UTC()
	if err := m.store.Save(record); err != nil {
		return HeartbeatResult{}, fmt.Errorf("saving session: %w", err)
	}
	return HeartbeatResult{Recorded: true, HasMessage: record.ForwardedMessage != ""}, nil
}

// AcknowledgeMessage clears the forwarded message. A record with no pending
// message is a no-op.
func (m *Manager) AcknowledgeMessage(ctx context.Context, sessionID string) (Record, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	record, ok := m.store.Load(sessionID)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if record.ForwardedMessage == "" {
		return record, nil
	}

	record.ForwardedMessage = ""
	record.LastHeartbeat = m.now().UTC()
	if err := m.store.Save(record); err != nil {
		return Record{}, fmt.Errorf("saving session: %w", err)
	}
	m.writeState(record)
	return record, nil
}

// IsStale reports whether the heartbeat exceeds the configured threshold.
func (m *Manager) IsStale(record Record) bool {
	return m.now().Sub(record.LastHeartbeat) > m.cfg.StaleThreshold
}

// GetWorkingCopyStatus returns the diff of a session's working copy against
// the base ref.
func (m *Manager) GetWorkingCopyStatus(ctx context.Context, sessionID string) (git.DiffStatus, error) {
	record, ok := m.store.Load(sessionID)
	if !ok {
		return git.DiffStatus{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.vcs.DiffStatus(ctx, record.WorkingCopyPath, m.cfg.BaseRef)
}

// GetWorkingCopyState returns pending-work counts for a session's working
// copy.
func (m *Manager) GetWorkingCopyState(ctx context.Context, sessionID string) (git.WorkStatus, error) {
	record, ok := m.store.Load(sessionID)
	if !ok {
		return git.WorkStatus{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.vcs.WorkStatus(ctx, record.WorkingCopyPath)
}

// GetWorkerStatus passes through to the spawner.
func (m *Manager) GetWorkerStatus(spawnID string) spawner.ProcessStatus {
	return m.spawner.Status(spawnID)
}

// writeState mirrors the record's dynamic fields into the working-copy
// state file. Failures are logged; the record is already durable.
func (m *Manager) writeState(record Record) {
	err := m.store.WriteState(record.WorkingCopyPath, DynamicState{
		Status:           record.Status,
		ForwardedMessage: record.ForwardedMessage,
		LastUpdated:      m.now().UTC(),
	})
	if err != nil {
		log.ErrorErr(log.CatSession, "writing working-copy state failed", err,
			"sessionId", record.SessionID)
	}
}
