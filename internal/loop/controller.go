package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/ralphd/internal/config"
	"github.com/zjrosen/ralphd/internal/git"
	"github.com/zjrosen/ralphd/internal/github"
	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/session"
	"github.com/zjrosen/ralphd/internal/spawner"
	"github.com/zjrosen/ralphd/internal/tracing"
)

// Named errors surfaced by controller operations.
var (
	ErrLoopExists     = errors.New("loop already active for session")
	ErrLoopNotFound   = errors.New("no loop for session")
	ErrLoopNotWaiting = errors.New("loop is not waiting")
	ErrLoopNotPaused  = errors.New("loop is not paused")
	ErrNotAutonomous  = errors.New("session is not in autonomous mode")
)

// SessionControl is the session-manager surface the controller drives. The
// controller never touches session files directly.
type SessionControl interface {
	Get(sessionID string) (session.Record, error)
	Restart(ctx context.Context, sessionID string, iteration int) (session.Record, error)
	Update(ctx context.Context, sessionID string, status session.Status, opts session.UpdateOptions) (session.Record, error)
	GetWorkerStatus(spawnID string) spawner.ProcessStatus
}

// ControllerConfig binds a controller to one repository.
type ControllerConfig struct {
	RepositoryID string
	RepoRoot     string
	BaseRef      string
	Owner        string
	Name         string
	Loop         config.LoopConfig
}

// Controller runs one poll goroutine per active session. The registry maps
// session ids to their loop tasks for listing and cancellation.
type Controller struct {
	cfg      ControllerConfig
	sessions SessionControl
	vcs      git.Gateway
	issues   github.Gateway
	agent    ReviewAgent
	promise  *PromiseEvaluator
	hooks    *gitOps
	events   subscribers
	now      func() time.Time
	tracer   trace.Tracer

	pollInterval   time.Duration
	iterationDelay time.Duration
	reviewTimeout  time.Duration

	mu    sync.Mutex
	tasks map[string]*loopTask
	wg    sync.WaitGroup
}

// loopTask is one session's loop goroutine plus its state. The goroutine is
// the sole writer; external readers snapshot under the mutex.
type loopTask struct {
	mu    sync.Mutex
	state IterationState

	stop     chan struct{}
	kick     chan struct{}
	stopOnce sync.Once
}

func (t *loopTask) halt() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// update applies a mutation under the task mutex.
func (t *loopTask) update(fn func(st *IterationState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.state)
}

// currentState reads the loop state under the task mutex. Pause and Resume
// write it from API goroutines, so the task goroutine must not read it bare.
func (t *loopTask) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.State
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithReviewAgent replaces the subprocess review agent.
func WithReviewAgent(agent ReviewAgent) ControllerOption {
	return func(c *Controller) { c.agent = agent }
}

// WithPromiseEvaluator replaces the promise evaluator.
func WithPromiseEvaluator(ev *PromiseEvaluator) ControllerOption {
	return func(c *Controller) { c.promise = ev }
}

// WithLoopClock replaces the time source.
func WithLoopClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithTracer attaches a tracer for iteration spans.
func WithTracer(tracer trace.Tracer) ControllerOption {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewController wires a controller for one repository.
func NewController(cfg ControllerConfig, sessions SessionControl, vcs git.Gateway,
	issues github.Gateway, opts ...ControllerOption) *Controller {
	c := &Controller{
		cfg:      cfg,
		sessions: sessions,
		vcs:      vcs,
		issues:   issues,
		agent:    NewAgentCommand(cfg.Loop.Review),
		promise:  NewPromiseEvaluator(cfg.Loop.Promise),
		hooks:    &gitOps{vcs: vcs, repoRoot: cfg.RepoRoot, cfg: cfg.Loop.GitOperations},
		now:      time.Now,
		tracer:   noop.NewTracerProvider().Tracer("loop"),
		tasks:    make(map[string]*loopTask),

		pollInterval:   msDuration(cfg.Loop.PollIntervalMs, 5*time.Second),
		iterationDelay: msDuration(cfg.Loop.IterationDelayMs, 5*time.Second),
		reviewTimeout:  msDuration(cfg.Loop.Review.TimeoutMs, 10*time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func msDuration(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Subscribe registers a synchronous event callback.
func (c *Controller) Subscribe(fn func(Event)) {
	c.events.add(fn)
}

// Start begins driving an autonomous session that already has a running
// worker (iteration 1 is the spawn that created the session).
func (c *Controller) Start(ctx context.Context, sessionID string) error {
	record, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if record.Mode != session.ModeAutonomous {
		return fmt.Errorf("%w: %s", ErrNotAutonomous, sessionID)
	}

	target := c.cfg.Loop.MaxIterations
	if target < 1 {
		target = 1
	}

	c.mu.Lock()
	if existing, ok := c.tasks[sessionID]; ok {
		// A halted terminal entry is only kept for inspection; a fresh
		// start supersedes it.
		state := existing.currentState()
		if state != StateDone && state != StateStuck {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrLoopExists, sessionID)
		}
		existing.halt()
	}
	task := &loopTask{
		state: IterationState{
			RepositoryID:     c.cfg.RepositoryID,
			SessionID:        sessionID,
			CurrentIteration: 1,
			TargetIterations: target,
			State:            StateRunning,
			Iterations: []IterationAttempt{{
				Iteration: 1,
				StartedAt: c.now().UTC(),
				ExitType:  ExitRunning,
			}},
		},
		stop: make(chan struct{}),
		kick: make(chan struct{}, 1),
	}
	c.tasks[sessionID] = task
	c.mu.Unlock()

	c.events.emit(Event{
		Kind: EventIterationStart, RepositoryID: c.cfg.RepositoryID,
		SessionID: sessionID, Iteration: 1,
	})

	c.wg.Add(1)
	log.SafeGo("loop-"+sessionID, func() {
		defer c.wg.Done()
		c.run(task)
	})

	log.Info(log.CatLoop, "loop started",
		"sessionId", sessionID, "repo", c.cfg.RepositoryID, "maxIterations", target)
	return nil
}

// Stop halts a session's loop and removes it from the registry.
func (c *Controller) Stop(sessionID string) bool {
	c.mu.Lock()
	task, ok := c.tasks[sessionID]
	if ok {
		delete(c.tasks, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	task.halt()
	log.Info(log.CatLoop, "loop stopped", "sessionId", sessionID)
	return true
}

// StopAll halts every loop and waits for their goroutines to exit.
func (c *Controller) StopAll() {
	c.mu.Lock()
	for id, task := range c.tasks {
		task.halt()
		delete(c.tasks, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// List returns snapshots of every registered loop, ordered by session id.
func (c *Controller) List() []IterationState {
	c.mu.Lock()
	tasks := make([]*loopTask, 0, len(c.tasks))
	for _, task := range c.tasks {
		tasks = append(tasks, task)
	}
	c.mu.Unlock()

	out := make([]IterationState, 0, len(tasks))
	for _, task := range tasks {
		task.mu.Lock()
		out = append(out, task.state.snapshot())
		task.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Get returns one loop's snapshot.
func (c *Controller) Get(sessionID string) (IterationState, bool) {
	c.mu.Lock()
	task, ok := c.tasks[sessionID]
	c.mu.Unlock()
	if !ok {
		return IterationState{}, false
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.state.snapshot(), true
}

// ContinueNow skips the remaining inter-iteration delay of a waiting loop.
func (c *Controller) ContinueNow(sessionID string) error {
	c.mu.Lock()
	task, ok := c.tasks[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoopNotFound, sessionID)
	}

	task.mu.Lock()
	waiting := task.state.State == StateWaiting
	task.mu.Unlock()
	if !waiting {
		return fmt.Errorf("%w: %s", ErrLoopNotWaiting, sessionID)
	}

	select {
	case task.kick <- struct{}{}:
	default:
	}
	return nil
}

// Pause holds a running or waiting loop.
func (c *Controller) Pause(sessionID string) error {
	c.mu.Lock()
	task, ok := c.tasks[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoopNotFound, sessionID)
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	switch task.state.State {
	case StateRunning, StateWaiting:
		task.state.pausedFrom = task.state.State
		task.state.State = StatePaused
		return nil
	case StatePaused:
		return nil
	default:
		return fmt.Errorf("loop for %s is %s and cannot pause", sessionID, task.state.State)
	}
}

// Resume releases a paused loop back to its prior state.
func (c *Controller) Resume(sessionID string) error {
	c.mu.Lock()
	task, ok := c.tasks[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrLoopNotFound, sessionID)
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	if task.state.State != StatePaused {
		return fmt.Errorf("%w: %s", ErrLoopNotPaused, sessionID)
	}
	restored := task.state.pausedFrom
	if restored == "" {
		restored = StateRunning
	}
	task.state.State = restored
	task.state.pausedFrom = ""
	return nil
}

// run is the per-session loop goroutine.
func (c *Controller) run(task *loopTask) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-task.stop:
			return
		case <-task.kick:
			if task.currentState() == StateWaiting {
				c.resume(context.Background(), task)
			}
		case <-ticker.C:
			c.poll(context.Background(), task)
		}
	}
}

// poll advances one session's loop by a single step. It runs only on the
// task goroutine; fields written solely by this goroutine are read bare,
// while State also has API-side writers and goes through currentState.
func (c *Controller) poll(ctx context.Context, task *loopTask) {
	st := &task.state
	state := task.currentState()
	if state == StateDone || state == StateStuck {
		return
	}
	now := c.now().UTC()
	task.update(func(s *IterationState) { s.LastChecked = now })

	switch state {
	case StatePaused, StateReviewing:
		return
	case StateWaiting:
		if !now.Before(st.resumeAt) {
			c.resume(ctx, task)
		}
		return
	}

	record, err := c.sessions.Get(st.SessionID)
	if err != nil {
		c.markStuck(ctx, task, "session no longer exists")
		return
	}

	switch record.Status {
	case session.StatusCancelled:
		c.Stop(st.SessionID)
		return
	case session.StatusStuck:
		c.markStuck(ctx, task, "session reported stuck: "+record.StuckReason)
		return
	case session.StatusPaused:
		return
	}

	if !c.sessions.GetWorkerStatus(record.SpawnID).Running {
		c.workerStopped(ctx, task, record)
		return
	}

	if c.doneSignalMet(record) {
		task.update(func(s *IterationState) {
			if att := s.currentAttempt(); att != nil {
				att.DoneSignalDetected = true
			}
		})
		c.runGitHooks(ctx, task, record)
		c.finishDone(task)
	}
}

// workerStopped handles a worker process that is no longer running: promise
// first, then the exit marker, then the failure counter.
func (c *Controller) workerStopped(ctx context.Context, task *loopTask, record session.Record) {
	st := &task.state

	if reason, ok := c.readStuckFile(record.WorkingCopyPath); ok {
		c.endAttempt(task, record, ExitAbnormal)
		c.markStuck(ctx, task, reason)
		return
	}

	met, completed, err := c.promise.Met(ctx, record.WorkingCopyPath)
	if err != nil {
		log.ErrorErr(log.CatLoop, "promise evaluation failed", err, "sessionId", st.SessionID)
	}
	if c.cfg.Loop.Promise.Type == config.PromisePlanComplete {
		task.update(func(s *IterationState) { s.LastCompletedTaskCount = completed })
	}

	marker := c.readWorkerMarker(record.WorkingCopyPath)

	switch {
	case met:
		c.endAttempt(task, record, ExitPromiseMet)
		c.runGitHooks(ctx, task, record)
		c.enterReview(ctx, task, record)

	case marker == "complete":
		c.endAttempt(task, record, ExitClean)
		c.runGitHooks(ctx, task, record)
		c.enterReview(ctx, task, record)

	case marker == "task_done":
		c.endAttempt(task, record, ExitClean)
		c.runGitHooks(ctx, task, record)
		c.events.emit(Event{
			Kind: EventIterationEnd, RepositoryID: c.cfg.RepositoryID,
			SessionID: st.SessionID, Iteration: st.CurrentIteration,
		})
		c.scheduleWait(task, resumeNextIteration)

	default:
		c.endAttempt(task, record, ExitAbnormal)
		failures := 0
		task.update(func(s *IterationState) {
			s.ConsecutiveFailures++
			failures = s.ConsecutiveFailures
		})
		if failures >= st.TargetIterations {
			c.markStuck(ctx, task, "worker exited without a completion marker")
			return
		}
		c.scheduleWait(task, resumeRespawn)
	}
}

// endAttempt closes the live attempt row.
func (c *Controller) endAttempt(task *loopTask, record session.Record, exit ExitType) {
	now := c.now().UTC()
	task.update(func(s *IterationState) {
		if att := s.currentAttempt(); att != nil && att.EndedAt == nil {
			att.EndedAt = &now
			att.ExitType = exit
			att.StatusAtEnd = record.Status
		}
	})
}

// enterReview runs the review gate. The agent invocation is bounded by the
// configured timeout; an agent failure counts as NEEDS_WORK.
func (c *Controller) enterReview(ctx context.Context, task *loopTask, record session.Record) {
	st := &task.state
	task.update(func(s *IterationState) { s.State = StateReviewing })

	c.updateSession(ctx, st.SessionID, session.StatusShipping, session.UpdateOptions{})
	c.updateSession(ctx, st.SessionID, session.StatusReviewsInProgress, session.UpdateOptions{})

	owner, repo, haveCoords := resolveCoordinates(ctx, c.vcs, record.WorkingCopyPath, c.cfg.Owner, c.cfg.Name)

	res, err := c.agent.Review(ctx, ReviewRequest{
		WorkingCopyPath: record.WorkingCopyPath,
		Owner:           owner,
		Repo:            repo,
		IssueNumber:     record.Issue.Number,
		Timeout:         c.reviewTimeout,
	})
	if err != nil {
		log.ErrorErr(log.CatLoop, "review agent invocation failed", err, "sessionId", st.SessionID)
		res = ReviewResult{Verdict: VerdictNeedsWork, Summary: err.Error()}
	}
	task.update(func(s *IterationState) { s.LastReviewVerdict = res.Verdict })

	if res.Verdict == VerdictApproved {
		prURL := ""
		if c.cfg.Loop.GitOperations.CreatePrOnComplete && haveCoords {
			title := record.Issue.Title
			if title == "" {
				title = fmt.Sprintf("Resolve issue #%d", record.Issue.Number)
			}
			pr := c.issues.CreatePullRequest(ctx, record.WorkingCopyPath, title,
				pullRequestBody(record.Issue.Number, res.Summary), c.cfg.BaseRef, record.BranchName)
			if pr.Success {
				prURL = pr.URL
				c.issues.Notify(ctx, fmt.Sprintf("PR ready for %s/%s#%d: %s",
					owner, repo, record.Issue.Number, pr.URL))
			} else {
				log.Error(log.CatLoop, "pr create failed",
					"sessionId", st.SessionID, "error", pr.Error)
			}
		}
		c.updateSession(ctx, st.SessionID, session.StatusPRReady, session.UpdateOptions{PRURL: prURL})
		c.updateSession(ctx, st.SessionID, session.StatusComplete, session.UpdateOptions{})
		c.finishDone(task)
		return
	}

	cycle := 0
	task.update(func(s *IterationState) {
		s.ReviewCycle++
		cycle = s.ReviewCycle
	})
	if cycle >= c.cfg.Loop.Review.MaxCycles {
		c.issues.Notify(ctx, fmt.Sprintf("review stuck for session %s after %d cycles", st.SessionID, cycle))
		c.markStuck(ctx, task, fmt.Sprintf("review cycles exhausted after %d rounds", cycle))
		return
	}

	if err := writeReviewFeedback(record.WorkingCopyPath, cycle, res); err != nil {
		log.ErrorErr(log.CatLoop, "writing review feedback failed", err, "sessionId", st.SessionID)
	}
	c.updateSession(ctx, st.SessionID, session.StatusWorking, session.UpdateOptions{})
	c.scheduleWait(task, resumeNextIteration)
}

// finishDone marks the loop done, announces it, and halts the poll
// goroutine. The registry entry stays behind for inspection.
func (c *Controller) finishDone(task *loopTask) {
	task.update(func(s *IterationState) { s.State = StateDone })
	c.events.emit(Event{
		Kind: EventLoopDone, RepositoryID: c.cfg.RepositoryID,
		SessionID: task.state.SessionID, Iteration: task.state.CurrentIteration,
	})
	log.Info(log.CatLoop, "loop done",
		"sessionId", task.state.SessionID, "iterations", task.state.CurrentIteration)
	task.halt()
}

// markStuck marks the loop stuck, announces it, and best-effort mirrors the
// reason onto the session record.
func (c *Controller) markStuck(ctx context.Context, task *loopTask, reason string) {
	task.update(func(s *IterationState) {
		s.State = StateStuck
		s.StuckReason = reason
	})
	c.events.emit(Event{
		Kind: EventLoopStuck, RepositoryID: c.cfg.RepositoryID,
		SessionID: task.state.SessionID, Iteration: task.state.CurrentIteration,
		Reason: reason,
	})
	if _, err := c.sessions.Update(ctx, task.state.SessionID, session.StatusStuck,
		session.UpdateOptions{Reason: reason}); err != nil {
		log.Debug(log.CatLoop, "session stuck update skipped",
			"sessionId", task.state.SessionID, "error", err.Error())
	}
	log.Warn(log.CatLoop, "loop stuck", "sessionId", task.state.SessionID, "reason", reason)
	task.halt()
}

// scheduleWait parks the loop until the iteration delay elapses.
func (c *Controller) scheduleWait(task *loopTask, action resumeAction) {
	resumeAt := c.now().Add(c.iterationDelay)
	task.update(func(s *IterationState) {
		s.State = StateWaiting
		s.resumeAt = resumeAt
		s.pending = action
	})
}

// resume leaves the waiting state and starts the next iteration.
func (c *Controller) resume(ctx context.Context, task *loopTask) {
	action := task.state.pending
	task.update(func(s *IterationState) { s.pending = resumeNone })
	c.startNextIteration(ctx, task, action != resumeRespawn)
}

// startNextIteration advances the iteration counter and re-invokes the
// spawner through the session manager.
func (c *Controller) startNextIteration(ctx context.Context, task *loopTask, resetFailures bool) {
	st := &task.state
	next := st.CurrentIteration + 1
	if next > st.TargetIterations {
		c.markStuck(ctx, task, fmt.Sprintf("iteration budget of %d exhausted", st.TargetIterations))
		return
	}

	now := c.now().UTC()
	task.update(func(s *IterationState) {
		s.CurrentIteration = next
		if resetFailures {
			s.ConsecutiveFailures = 0
		}
		s.State = StateRunning
		s.Iterations = append(s.Iterations, IterationAttempt{
			Iteration: next,
			StartedAt: now,
			ExitType:  ExitRunning,
		})
	})

	spanCtx, span := tracing.StartIterationSpan(ctx, c.tracer, c.cfg.RepositoryID, st.SessionID, next)
	_, err := c.sessions.Restart(spanCtx, st.SessionID, next)
	tracing.EndSpan(span, err)
	if err != nil {
		c.markStuck(ctx, task, fmt.Sprintf("restart failed: %v", err))
		return
	}
	c.events.emit(Event{
		Kind: EventIterationStart, RepositoryID: c.cfg.RepositoryID,
		SessionID: st.SessionID, Iteration: next,
	})
}

// runGitHooks applies the commit/push policy and records outcomes.
func (c *Controller) runGitHooks(ctx context.Context, task *loopTask, record session.Record) {
	iteration := task.state.CurrentIteration
	if res := c.hooks.commit(ctx, record.WorkingCopyPath, iteration); res != nil {
		task.update(func(s *IterationState) { s.LastCommit = res })
	}
	if res := c.hooks.push(ctx, record.WorkingCopyPath, record.BranchName); res != nil {
		task.update(func(s *IterationState) { s.LastPush = res })
	}
}

// updateSession applies a status change, tolerating invalid transitions when
// the worker already advanced the record itself.
func (c *Controller) updateSession(ctx context.Context, sessionID string, status session.Status, opts session.UpdateOptions) {
	if _, err := c.sessions.Update(ctx, sessionID, status, opts); err != nil {
		log.Debug(log.CatLoop, "session update skipped",
			"sessionId", sessionID, "status", string(status), "error", err.Error())
	}
}

// doneSignalMet evaluates the configured success detector against a live
// record.
func (c *Controller) doneSignalMet(record session.Record) bool {
	switch c.cfg.Loop.DoneSignal.Type {
	case config.DoneSignalStatus:
		return record.Status == session.Status(c.cfg.Loop.DoneSignal.Status)
	case config.DoneSignalFile:
		_, err := os.Stat(filepath.Join(record.WorkingCopyPath, c.cfg.Loop.DoneSignal.Path))
		return err == nil
	default:
		return false
	}
}

// readWorkerMarker consumes the worker's exit marker, deleting it after the
// read so a later iteration cannot observe a stale value.
func (c *Controller) readWorkerMarker(workingCopyPath string) string {
	path := filepath.Join(workingCopyPath, session.ReservedDir, session.WorkerStatusFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if err := os.Remove(path); err != nil {
		log.ErrorErr(log.CatLoop, "removing worker marker failed", err, "path", path)
	}
	return strings.TrimSpace(string(data))
}

// readStuckFile consumes the worker's early-abort marker, written at the
// working-copy root alongside the plan file.
func (c *Controller) readStuckFile(workingCopyPath string) (string, bool) {
	path := filepath.Join(workingCopyPath, session.StuckFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	if err := os.Remove(path); err != nil {
		log.ErrorErr(log.CatLoop, "removing stuck marker failed", err, "path", path)
	}
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = "worker aborted"
	}
	return reason, true
}
