package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ralphd/internal/config"
	"github.com/zjrosen/ralphd/internal/git"
	"github.com/zjrosen/ralphd/internal/github"
	"github.com/zjrosen/ralphd/internal/session"
	"github.com/zjrosen/ralphd/internal/spawner"
)

// stubVCS implements git.Gateway for loop tests; only the hooks and the
// origin URL lookup matter here.
type stubVCS struct {
	mu        sync.Mutex
	remoteURL string
	staged    bool
	commits   []string
	pushes    []string
}

func (s *stubVCS) CreateWorkingCopy(ctx context.Context, repoRoot, path, branch, baseRef string) error {
	return nil
}
func (s *stubVCS) RemoveWorkingCopy(ctx context.Context, repoRoot, path string) error  { return nil }
func (s *stubVCS) DeleteLocalBranch(ctx context.Context, repoRoot, branch string) error { return nil }
func (s *stubVCS) DeleteRemoteBranch(ctx context.Context, repoRoot, branch string) error {
	return nil
}
func (s *stubVCS) DiffStatus(ctx context.Context, workDir, baseRef string) (git.DiffStatus, error) {
	return git.DiffStatus{}, nil
}
func (s *stubVCS) WorkStatus(ctx context.Context, workDir string) (git.WorkStatus, error) {
	return git.WorkStatus{}, nil
}
func (s *stubVCS) IsWorkingCopy(ctx context.Context, dir string) bool { return true }
func (s *stubVCS) RepositoryRoot(ctx context.Context, dir string) (string, error) {
	return dir, nil
}
func (s *stubVCS) RemoteURL(ctx context.Context, workDir string) (string, error) {
	return s.remoteURL, nil
}
func (s *stubVCS) StageAll(ctx context.Context, workDir string) error { return nil }
func (s *stubVCS) HasStagedChanges(ctx context.Context, workDir string) (bool, error) {
	return s.staged, nil
}
func (s *stubVCS) Commit(ctx context.Context, workDir, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, message)
	return nil
}
func (s *stubVCS) Push(ctx context.Context, workDir, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, branch)
	return nil
}

func (s *stubVCS) commitMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commits...)
}

// stubIssues implements github.Gateway.
type stubIssues struct {
	mu            sync.Mutex
	prURL         string
	prs           []string
	notifications []string
}

func (s *stubIssues) FetchIssue(ctx context.Context, owner, name string, number int) (github.Issue, error) {
	return github.Issue{Number: number}, nil
}

func (s *stubIssues) CreatePullRequest(ctx context.Context, workDir, title, body, base, head string) github.PullRequestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs = append(s.prs, fmt.Sprintf("%s|%s|%s|%s", title, body, base, head))
	return github.PullRequestResult{Success: true, URL: s.prURL}
}

func (s *stubIssues) Notify(ctx context.Context, message string) github.NotifyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, message)
	return github.NotifyResult{Success: true}
}

func (s *stubIssues) notified() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notifications...)
}

func (s *stubIssues) prCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prs...)
}

// loopSessions implements SessionControl over a single in-memory record.
type loopSessions struct {
	mu       sync.Mutex
	record   session.Record
	missing  bool
	running  bool
	restarts []int
	updates  []session.Status
}

func (f *loopSessions) Get(sessionID string) (session.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return session.Record{}, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	return f.record, nil
}

func (f *loopSessions) Restart(ctx context.Context, sessionID string, iteration int) (session.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, iteration)
	f.running = true
	f.record.Status = session.StatusWorking
	return f.record, nil
}

func (f *loopSessions) Update(ctx context.Context, sessionID string, status session.Status, opts session.UpdateOptions) (session.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, status)
	f.record.Status = status
	if opts.PRURL != "" {
		f.record.PullRequestURL = opts.PRURL
	}
	return f.record, nil
}

func (f *loopSessions) GetWorkerStatus(spawnID string) spawner.ProcessStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return spawner.ProcessStatus{Running: true}
	}
	code := 0
	return spawner.ProcessStatus{ExitCode: &code}
}

func (f *loopSessions) appliedUpdates() []session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Status(nil), f.updates...)
}

func (f *loopSessions) restartIterations() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.restarts...)
}

func (f *loopSessions) recordSnapshot() session.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record
}

// scriptedAgent returns queued review results in order.
type scriptedAgent struct {
	mu      sync.Mutex
	results []ReviewResult
}

func (a *scriptedAgent) Review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.results) == 0 {
		return ReviewResult{}, fmt.Errorf("no scripted result")
	}
	res := a.results[0]
	a.results = a.results[1:]
	return res, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

type loopFixture struct {
	ctrl     *Controller
	sessions *loopSessions
	vcs      *stubVCS
	issues   *stubIssues
	agent    *scriptedAgent
	events   *eventLog
	workDir  string
}

func newLoopFixture(t *testing.T, loopCfg config.LoopConfig) *loopFixture {
	t.Helper()
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, session.ReservedDir), 0o755))

	sessions := &loopSessions{
		record: session.Record{
			SessionID:       "42",
			RepositoryID:    "app",
			Issue:           session.IssueRef{Number: 42, Title: "Add X"},
			BranchName:      "issue-42",
			WorkingCopyPath: workDir,
			Status:          session.StatusWorking,
			Mode:            session.ModeAutonomous,
			SpawnID:         "S-1",
		},
	}
	vcs := &stubVCS{remoteURL: "git@github.com:acme/app.git", staged: true}
	issues := &stubIssues{prURL: "https://github.com/acme/app/pull/7"}
	agent := &scriptedAgent{}
	events := &eventLog{}

	if loopCfg.PollIntervalMs == 0 {
		loopCfg.PollIntervalMs = 10
	}
	if loopCfg.IterationDelayMs == 0 {
		loopCfg.IterationDelayMs = 10
	}
	if loopCfg.MaxIterations == 0 {
		loopCfg.MaxIterations = 10
	}
	if loopCfg.Review.MaxCycles == 0 {
		loopCfg.Review.MaxCycles = 3
	}
	if loopCfg.Promise.Type == "" {
		loopCfg.Promise = config.PromiseConfig{Type: config.PromiseFile, Path: ".promise-met"}
	}
	if loopCfg.DoneSignal.Type == "" {
		loopCfg.DoneSignal = config.DoneSignalConfig{Type: config.DoneSignalStatus, Status: "complete"}
	}

	ctrl := NewController(ControllerConfig{
		RepositoryID: "app",
		RepoRoot:     filepath.Join(t.TempDir(), "app"),
		BaseRef:      "main",
		Owner:        "acme",
		Name:         "app",
		Loop:         loopCfg,
	}, sessions, vcs, issues, WithReviewAgent(agent))
	ctrl.Subscribe(events.record)
	t.Cleanup(ctrl.StopAll)

	return &loopFixture{
		ctrl: ctrl, sessions: sessions, vcs: vcs, issues: issues,
		agent: agent, events: events, workDir: workDir,
	}
}

func (f *loopFixture) writeMarker(t *testing.T, value string) {
	t.Helper()
	path := filepath.Join(f.workDir, session.ReservedDir, session.WorkerStatusFileName)
	require.NoError(t, os.WriteFile(path, []byte(value+"\n"), 0o644))
}

func TestStart_RejectsManualAndDuplicate(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{})
	f.sessions.record.Mode = session.ModeManual
	require.ErrorIs(t, f.ctrl.Start(context.Background(), "42"), ErrNotAutonomous)

	f.sessions.record.Mode = session.ModeAutonomous
	f.sessions.running = true
	require.NoError(t, f.ctrl.Start(context.Background(), "42"))
	require.ErrorIs(t, f.ctrl.Start(context.Background(), "42"), ErrLoopExists)

	st, ok := f.ctrl.Get("42")
	require.True(t, ok)
	require.Equal(t, 1, st.CurrentIteration)
	require.Equal(t, StateRunning, st.State)
}

func TestLoop_CompleteMarkerApprovedReviewCreatesPR(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{
		GitOperations: config.GitOperationsConfig{
			CommitAfterEach: true, PushAfterEach: true, CreatePrOnComplete: true,
		},
	})
	f.agent.results = []ReviewResult{{Verdict: VerdictApproved, Summary: "Ship it."}}
	f.writeMarker(t, "complete")
	f.sessions.running = false

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))

	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.State == StateDone
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := f.ctrl.Get("42")
	require.Equal(t, VerdictApproved, st.LastReviewVerdict)
	require.Equal(t, 1, st.CurrentIteration)
	require.NotNil(t, st.LastCommit)
	require.Equal(t, CommitSuccess, st.LastCommit.Outcome)
	require.Contains(t, f.vcs.commitMessages(), "chore: ralph iteration 1")

	// Review drove the shipping flow to completion with the PR URL recorded.
	updates := f.sessions.appliedUpdates()
	require.Contains(t, updates, session.StatusShipping)
	require.Contains(t, updates, session.StatusReviewsInProgress)
	require.Contains(t, updates, session.StatusPRReady)
	require.Contains(t, updates, session.StatusComplete)
	require.Equal(t, "https://github.com/acme/app/pull/7", f.sessions.recordSnapshot().PullRequestURL)

	prs := f.issues.prCalls()
	require.Len(t, prs, 1)
	require.Contains(t, prs[0], "Closes #42")
	require.Contains(t, f.issues.notified()[0], "pull/7")

	require.Contains(t, f.events.kinds(), EventLoopDone)

	// The marker was consumed.
	_, err := os.Stat(filepath.Join(f.workDir, session.ReservedDir, session.WorkerStatusFileName))
	require.True(t, os.IsNotExist(err))
}

func TestLoop_TaskDoneStartsNextIteration(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{
		GitOperations: config.GitOperationsConfig{CommitAfterEach: true},
	})
	f.writeMarker(t, "task_done")
	f.sessions.running = false

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))

	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.CurrentIteration == 2 && st.State == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []int{2}, f.sessions.restartIterations())
	require.Contains(t, f.events.kinds(), EventIterationEnd)

	st, _ := f.ctrl.Get("42")
	require.Len(t, st.Iterations, 2)
	require.Equal(t, ExitClean, st.Iterations[0].ExitType)
	require.NotNil(t, st.Iterations[0].EndedAt)
	require.Equal(t, ExitRunning, st.Iterations[1].ExitType)
}

func TestLoop_MissingMarkerExhaustsBudget(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{MaxIterations: 1})
	f.sessions.running = false

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))

	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.State == StateStuck
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := f.ctrl.Get("42")
	require.Equal(t, 1, st.ConsecutiveFailures)
	require.Contains(t, st.StuckReason, "completion marker")
	require.Contains(t, f.events.kinds(), EventLoopStuck)
	require.Contains(t, f.sessions.appliedUpdates(), session.StatusStuck)
	require.Equal(t, ExitAbnormal, st.Iterations[0].ExitType)
}

func TestLoop_NeedsWorkWritesFeedbackAndRestarts(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{Review: config.ReviewConfig{MaxCycles: 3}})
	f.agent.results = []ReviewResult{{
		Verdict:         VerdictNeedsWork,
		Summary:         "add input validation",
		RequiredChanges: []string{"validate issue number"},
	}}
	f.writeMarker(t, "complete")
	f.sessions.running = false

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))

	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.CurrentIteration == 2 && st.State == StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := f.ctrl.Get("42")
	require.Equal(t, 1, st.ReviewCycle)
	require.Equal(t, VerdictNeedsWork, st.LastReviewVerdict)

	data, err := os.ReadFile(filepath.Join(f.workDir, session.ReservedDir, session.ReviewFeedbackFileName))
	require.NoError(t, err)
	require.Contains(t, string(data), "add input validation")

	// The record was handed back to working before the respawn.
	require.Contains(t, f.sessions.appliedUpdates(), session.StatusWorking)
}

func TestLoop_ReviewCyclesExhaustedGoesStuck(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{Review: config.ReviewConfig{MaxCycles: 1}})
	f.agent.results = []ReviewResult{{Verdict: VerdictNeedsWork, Summary: "still broken"}}
	f.writeMarker(t, "complete")
	f.sessions.running = false

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))

	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.State == StateStuck
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := f.ctrl.Get("42")
	require.Contains(t, st.StuckReason, "review cycles exhausted")

	notifications := f.issues.notified()
	require.NotEmpty(t, notifications)
	require.Contains(t, notifications[0], "review stuck")
}

func TestLoop_DoneSignalWhileWorkerRunning(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{})
	f.sessions.running = true
	f.sessions.record.Status = "complete"

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))

	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.State == StateDone
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := f.ctrl.Get("42")
	require.True(t, st.Iterations[0].DoneSignalDetected)
	require.Contains(t, f.events.kinds(), EventLoopDone)
}

func TestLoop_StuckFileMarksStuck(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{})
	f.sessions.running = false
	path := filepath.Join(f.workDir, session.StuckFileName)
	require.NoError(t, os.WriteFile(path, []byte("cannot resolve dependency\n"), 0o644))

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))

	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.State == StateStuck
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := f.ctrl.Get("42")
	require.Equal(t, "cannot resolve dependency", st.StuckReason)

	// The marker sits at the working-copy root and was consumed.
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestLoop_TerminalStateHaltsPollingAndAllowsRestart(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{})
	f.sessions.running = true
	f.sessions.record.Status = "complete"

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))

	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.State == StateDone
	}, 2*time.Second, 5*time.Millisecond)

	// The poll goroutine is halted; the snapshot stops advancing.
	st, _ := f.ctrl.Get("42")
	time.Sleep(50 * time.Millisecond)
	later, _ := f.ctrl.Get("42")
	require.Equal(t, st.LastChecked, later.LastChecked)

	// A finished entry does not block a fresh loop for the same session.
	f.sessions.mu.Lock()
	f.sessions.record.Status = session.StatusWorking
	f.sessions.mu.Unlock()
	require.NoError(t, f.ctrl.Start(context.Background(), "42"))

	st, ok := f.ctrl.Get("42")
	require.True(t, ok)
	require.Equal(t, StateRunning, st.State)
	require.Equal(t, 1, st.CurrentIteration)
}

func TestLoop_SessionGoneMarksStuck(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{})
	f.sessions.running = true

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))
	f.sessions.mu.Lock()
	f.sessions.missing = true
	f.sessions.mu.Unlock()

	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.State == StateStuck
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := f.ctrl.Get("42")
	require.Contains(t, st.StuckReason, "no longer exists")
}

func TestContinueNow_OnlyWhenWaiting(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{IterationDelayMs: 60000})
	f.writeMarker(t, "task_done")
	f.sessions.running = false

	require.ErrorIs(t, f.ctrl.ContinueNow("42"), ErrLoopNotFound)

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))
	require.ErrorIs(t, f.ctrl.ContinueNow("42"), ErrLoopNotWaiting)

	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.State == StateWaiting
	}, 2*time.Second, 5*time.Millisecond)

	// Skip the 60 s delay.
	require.NoError(t, f.ctrl.ContinueNow("42"))
	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.State == StateRunning && st.CurrentIteration == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPauseResume(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{})
	f.sessions.running = true

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))
	require.NoError(t, f.ctrl.Pause("42"))

	st, _ := f.ctrl.Get("42")
	require.Equal(t, StatePaused, st.State)

	require.ErrorIs(t, f.ctrl.Resume("99"), ErrLoopNotFound)
	require.NoError(t, f.ctrl.Resume("42"))
	st, _ = f.ctrl.Get("42")
	require.Equal(t, StateRunning, st.State)
}

func TestPauseResume_RestoresWaiting(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{IterationDelayMs: 60000})
	f.writeMarker(t, "task_done")
	f.sessions.running = false

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))
	require.Eventually(t, func() bool {
		st, ok := f.ctrl.Get("42")
		return ok && st.State == StateWaiting
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.ctrl.Pause("42"))
	st, _ := f.ctrl.Get("42")
	require.Equal(t, StatePaused, st.State)

	// Resume restores the state the pause interrupted, not running.
	require.NoError(t, f.ctrl.Resume("42"))
	st, _ = f.ctrl.Get("42")
	require.Equal(t, StateWaiting, st.State)
	require.Equal(t, 1, st.CurrentIteration)
}

func TestStop_RemovesLoop(t *testing.T) {
	f := newLoopFixture(t, config.LoopConfig{})
	f.sessions.running = true

	require.NoError(t, f.ctrl.Start(context.Background(), "42"))
	require.True(t, f.ctrl.Stop("42"))
	require.False(t, f.ctrl.Stop("42"))
	_, ok := f.ctrl.Get("42")
	require.False(t, ok)
	require.Empty(t, f.ctrl.List())
}
