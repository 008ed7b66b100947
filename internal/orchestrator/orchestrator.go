// Package orchestrator is the multi-repository facade: one session manager,
// watcher, and iterative controller per declared repository, with a fan-in
// event stream tagged by repository id.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/zjrosen/ralphd/internal/config"
	"github.com/zjrosen/ralphd/internal/git"
	"github.com/zjrosen/ralphd/internal/github"
	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/loop"
	"github.com/zjrosen/ralphd/internal/prompt"
	"github.com/zjrosen/ralphd/internal/pubsub"
	"github.com/zjrosen/ralphd/internal/session"
	"github.com/zjrosen/ralphd/internal/spawner"
	"github.com/zjrosen/ralphd/internal/store"
	"github.com/zjrosen/ralphd/internal/tracing"
	"github.com/zjrosen/ralphd/internal/watch"
)

// Sweep cadences for background reconciliation.
const (
	DefaultOrphanSweepInterval = 5 * time.Minute
	DefaultSnapshotInterval    = 30 * time.Second
)

// ErrRepositoryNotFound is returned for undeclared repository ids.
var ErrRepositoryNotFound = errors.New("repository not declared in config")

// SessionEvent is a session-directory change tagged with its repository.
type SessionEvent struct {
	RepositoryID string          `json:"repositoryId"`
	Kind         watch.EventKind `json:"kind"`
	SessionID    string          `json:"sessionId"`
	Record       *session.Record `json:"record,omitempty"`
}

// OrphanEvent reports the orphans found by a reconciliation sweep.
type OrphanEvent struct {
	RepositoryID string               `json:"repositoryId"`
	Orphans      []session.OrphanInfo `json:"orphans"`
}

// RepoSessions is one repository's slice of a snapshot broadcast.
type RepoSessions struct {
	RepositoryID string                      `json:"repositoryId"`
	Sessions     []session.RecordWithCleanup `json:"sessions"`
}

// repoRuntime bundles one repository's collaborators.
type repoRuntime struct {
	cfg        config.RepositoryConfig
	store      *store.FileStore
	manager    *session.Manager
	controller *loop.Controller
	watcher    *watch.SessionWatcher
	states     *watch.StateWatcher
	spawner    spawner.Spawner
}

// Orchestrator owns every per-repository runtime and the shared event
// brokers.
type Orchestrator struct {
	cfg   config.Config
	repos map[string]*repoRuntime

	sessions  *pubsub.Broker[SessionEvent]
	orphans   *pubsub.Broker[OrphanEvent]
	snapshots *pubsub.Broker[[]RepoSessions]

	orphanSweepInterval time.Duration
	snapshotInterval    time.Duration

	tracer *tracing.Provider

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSweepIntervals overrides the background cadences.
func WithSweepIntervals(orphan, snapshot time.Duration) Option {
	return func(o *Orchestrator) {
		if orphan > 0 {
			o.orphanSweepInterval = orphan
		}
		if snapshot > 0 {
			o.snapshotInterval = snapshot
		}
	}
}

// WithTracing attaches a configured trace provider. Without it spans are
// no-ops.
func WithTracing(provider *tracing.Provider) Option {
	return func(o *Orchestrator) {
		if provider != nil {
			o.tracer = provider
		}
	}
}

// New builds the per-repository runtimes from the loaded config.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		repos:     make(map[string]*repoRuntime, len(cfg.Repositories)),
		sessions:  pubsub.NewBroker[SessionEvent](),
		orphans:   pubsub.NewBroker[OrphanEvent](),
		snapshots: pubsub.NewBroker[[]RepoSessions](),

		orphanSweepInterval: DefaultOrphanSweepInterval,
		snapshotInterval:    DefaultSnapshotInterval,
		done:                make(chan struct{}),
	}
	o.tracer, _ = tracing.NewProvider(config.TracingConfig{})
	for _, opt := range opts {
		opt(o)
	}

	vcs := git.NewCLI()
	issues := github.NewCLI(github.WithNotifyCommand(cfg.Notify.Command))

	for _, repoCfg := range cfg.Repositories {
		runtime, err := o.buildRepo(repoCfg, vcs, issues)
		if err != nil {
			return nil, fmt.Errorf("repository %q: %w", repoCfg.ID, err)
		}
		o.repos[repoCfg.ID] = runtime
	}
	return o, nil
}

func (o *Orchestrator) buildRepo(repoCfg config.RepositoryConfig, vcs git.Gateway, issues github.Gateway) (*repoRuntime, error) {
	fs, err := store.NewFileStore(filepath.Join(o.cfg.BaseDir, repoCfg.ID, "sessions"))
	if err != nil {
		return nil, err
	}

	mode := repoCfg.DefaultMode
	if mode == "" {
		mode = config.SpawnerHeadless
	}
	sp, err := spawner.New(mode, o.cfg.Spawner)
	if err != nil {
		return nil, err
	}

	manager := session.NewManager(session.ManagerConfig{
		RepositoryID:   repoCfg.ID,
		RepoRoot:       repoCfg.Root,
		BaseRef:        repoCfg.BaseRef,
		Owner:          repoCfg.Owner,
		Name:           repoCfg.Name,
		WorktreePrefix: repoCfg.WorktreePrefix,
		StaleThreshold: time.Duration(o.cfg.StaleThresholdSeconds) * time.Second,
	}, fs, vcs, issues, sp, prompt.NewBuilder())

	controller := loop.NewController(loop.ControllerConfig{
		RepositoryID: repoCfg.ID,
		RepoRoot:     repoCfg.Root,
		BaseRef:      repoCfg.BaseRef,
		Owner:        repoCfg.Owner,
		Name:         repoCfg.Name,
		Loop:         o.cfg.Loop,
	}, manager, vcs, issues, loop.WithTracer(o.tracer.Tracer()))

	watcher, err := watch.NewSessionWatcher(fs.Dir(), fs, 0)
	if err != nil {
		return nil, err
	}

	states, err := watch.NewStateWatcher(fs, 0)
	if err != nil {
		return nil, err
	}

	repoID := repoCfg.ID

	// Session adds and removes drive which working copies the state watcher
	// follows; the watcher reports existing sessions as adds on start.
	var pathsMu sync.Mutex
	watchedPaths := make(map[string]string)
	watcher.Subscribe(func(ev watch.SessionEvent) {
		switch ev.Kind {
		case watch.EventAdd:
			if ev.Record != nil && ev.Record.WorkingCopyPath != "" {
				if err := states.Register(ev.SessionID, ev.Record.WorkingCopyPath); err != nil {
					log.Debug(log.CatOrch, "state watch register skipped",
						"repo", repoID, "sessionId", ev.SessionID, "error", err.Error())
				} else {
					pathsMu.Lock()
					watchedPaths[ev.SessionID] = ev.Record.WorkingCopyPath
					pathsMu.Unlock()
				}
			}
		case watch.EventRemove:
			pathsMu.Lock()
			path, ok := watchedPaths[ev.SessionID]
			delete(watchedPaths, ev.SessionID)
			pathsMu.Unlock()
			if ok {
				states.Unregister(path)
			}
		}
		o.sessions.Publish(eventType(ev.Kind), SessionEvent{
			RepositoryID: repoID,
			Kind:         ev.Kind,
			SessionID:    ev.SessionID,
			Record:       ev.Record,
		})
	})

	// Worker rewrites of the working-copy state file surface as session
	// updates carrying the current record.
	states.Subscribe(func(ev watch.StateEvent) {
		record, ok := fs.Load(ev.SessionID)
		if !ok {
			return
		}
		o.sessions.Publish(pubsub.UpdatedEvent, SessionEvent{
			RepositoryID: repoID,
			Kind:         watch.EventUpdate,
			SessionID:    ev.SessionID,
			Record:       &record,
		})
	})

	return &repoRuntime{
		cfg:        repoCfg,
		store:      fs,
		manager:    manager,
		controller: controller,
		watcher:    watcher,
		states:     states,
		spawner:    sp,
	}, nil
}

func eventType(kind watch.EventKind) pubsub.EventType {
	switch kind {
	case watch.EventAdd:
		return pubsub.CreatedEvent
	case watch.EventRemove:
		return pubsub.DeletedEvent
	default:
		return pubsub.UpdatedEvent
	}
}

// Start begins watching session directories, resumes iterative loops for
// active autonomous sessions, and launches the background sweeps.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	for id, repo := range o.repos {
		if err := repo.watcher.Start(); err != nil {
			return fmt.Errorf("starting watcher for %q: %w", id, err)
		}
		o.resumeLoops(ctx, repo)
	}

	o.wg.Add(2)
	log.SafeGo("orphan-sweep", func() {
		defer o.wg.Done()
		o.runSweep(ctx, o.orphanSweepInterval, o.sweepOrphans)
	})
	log.SafeGo("snapshot-broadcast", func() {
		defer o.wg.Done()
		o.runSweep(ctx, o.snapshotInterval, o.broadcastSnapshot)
	})

	log.Info(log.CatOrch, "orchestrator started", "repositories", len(o.repos))
	return nil
}

// resumeLoops restarts iteration driving for autonomous sessions that were
// active when the daemon last stopped.
func (o *Orchestrator) resumeLoops(ctx context.Context, repo *repoRuntime) {
	records, err := repo.manager.ListRunning()
	if err != nil {
		log.ErrorErr(log.CatOrch, "listing sessions for loop resume failed", err,
			"repo", repo.cfg.ID)
		return
	}
	for _, record := range records {
		if record.Mode != session.ModeAutonomous {
			continue
		}
		if err := repo.controller.Start(ctx, record.SessionID); err != nil {
			log.ErrorErr(log.CatOrch, "loop resume failed", err,
				"repo", repo.cfg.ID, "sessionId", record.SessionID)
		}
	}
}

func (o *Orchestrator) runSweep(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// sweepOrphans scans every repository for unreferenced working copies and
// publishes findings. Orphans are never removed automatically.
func (o *Orchestrator) sweepOrphans(ctx context.Context) {
	for id, repo := range o.repos {
		sweepCtx, span := tracing.StartSessionSpan(ctx, o.tracer.Tracer(), "orphan.sweep", id, "")
		orphans, err := repo.manager.DetectOrphans(sweepCtx)
		tracing.EndSpan(span, err)
		if err != nil {
			log.ErrorErr(log.CatOrch, "orphan sweep failed", err, "repo", id)
			continue
		}
		if len(orphans) == 0 {
			continue
		}
		log.Warn(log.CatOrch, "orphans detected", "repo", id, "count", len(orphans))
		o.orphans.Publish(pubsub.UpdatedEvent, OrphanEvent{RepositoryID: id, Orphans: orphans})
	}
}

// broadcastSnapshot publishes the full session listing for reconnecting
// consumers.
func (o *Orchestrator) broadcastSnapshot(ctx context.Context) {
	snapshot, err := o.Snapshot()
	if err != nil {
		log.ErrorErr(log.CatOrch, "snapshot failed", err)
		return
	}
	o.snapshots.Publish(pubsub.UpdatedEvent, snapshot)
}

// Snapshot returns every repository's sessions with cleanup flags.
func (o *Orchestrator) Snapshot() ([]RepoSessions, error) {
	out := make([]RepoSessions, 0, len(o.repos))
	for id, repo := range o.repos {
		sessions, err := repo.manager.ListWithCleanupInfo()
		if err != nil {
			return nil, fmt.Errorf("listing %q: %w", id, err)
		}
		out = append(out, RepoSessions{RepositoryID: id, Sessions: sessions})
	}
	return out, nil
}

// Shutdown stops loops, watchers, sweeps, and best-effort stops running
// workers.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	select {
	case <-o.done:
		o.mu.Unlock()
		return
	default:
		close(o.done)
	}
	o.mu.Unlock()

	for id, repo := range o.repos {
		repo.controller.StopAll()
		if err := repo.watcher.Stop(); err != nil {
			log.ErrorErr(log.CatOrch, "watcher stop failed", err, "repo", id)
		}
		if err := repo.states.Stop(); err != nil {
			log.ErrorErr(log.CatOrch, "state watcher stop failed", err, "repo", id)
		}
		records, err := repo.manager.ListRunning()
		if err != nil {
			continue
		}
		for _, record := range records {
			if record.SpawnID != "" && repo.spawner.Status(record.SpawnID).Running {
				repo.spawner.Stop(record.SpawnID)
			}
		}
	}

	o.wg.Wait()
	o.sessions.Close()
	o.orphans.Close()
	o.snapshots.Close()
	log.Info(log.CatOrch, "orchestrator stopped")
}

// repo resolves a declared repository.
func (o *Orchestrator) repo(repositoryID string) (*repoRuntime, error) {
	repo, ok := o.repos[repositoryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, repositoryID)
	}
	return repo, nil
}

// Manager exposes one repository's session manager.
func (o *Orchestrator) Manager(repositoryID string) (*session.Manager, error) {
	repo, err := o.repo(repositoryID)
	if err != nil {
		return nil, err
	}
	return repo.manager, nil
}

// Controller exposes one repository's iterative controller.
func (o *Orchestrator) Controller(repositoryID string) (*loop.Controller, error) {
	repo, err := o.repo(repositoryID)
	if err != nil {
		return nil, err
	}
	return repo.controller, nil
}

// Spawner exposes one repository's spawner, used by the terminal passthrough.
func (o *Orchestrator) Spawner(repositoryID string) (spawner.Spawner, error) {
	repo, err := o.repo(repositoryID)
	if err != nil {
		return nil, err
	}
	return repo.spawner, nil
}

// RepositoryIDs lists the declared repositories in config order.
func (o *Orchestrator) RepositoryIDs() []string {
	out := make([]string, 0, len(o.cfg.Repositories))
	for _, r := range o.cfg.Repositories {
		out = append(out, r.ID)
	}
	return out
}

// Spawn dispatches to the repository's manager and, for autonomous sessions,
// begins driving the iteration loop.
func (o *Orchestrator) Spawn(ctx context.Context, repositoryID string, issueNumber int, opts session.SpawnOptions) (session.Record, error) {
	repo, err := o.repo(repositoryID)
	if err != nil {
		return session.Record{}, err
	}
	ctx, span := tracing.StartSessionSpan(ctx, o.tracer.Tracer(), "session.spawn", repositoryID, fmt.Sprintf("%d", issueNumber))
	record, err := repo.manager.Spawn(ctx, issueNumber, opts)
	tracing.EndSpan(span, err)
	if err != nil {
		return session.Record{}, err
	}
	if record.Mode == session.ModeAutonomous {
		if loopErr := repo.controller.Start(ctx, record.SessionID); loopErr != nil {
			log.ErrorErr(log.CatOrch, "loop start failed", loopErr,
				"repo", repositoryID, "sessionId", record.SessionID)
		}
	}
	return record, nil
}

// Delete dispatches the deletion protocol and tears down any loop first.
func (o *Orchestrator) Delete(ctx context.Context, repositoryID, sessionID string, opts session.DeleteOptions) (session.DeleteResult, error) {
	repo, err := o.repo(repositoryID)
	if err != nil {
		return session.DeleteResult{}, err
	}
	repo.controller.Stop(sessionID)
	ctx, span := tracing.StartSessionSpan(ctx, o.tracer.Tracer(), "session.delete", repositoryID, sessionID)
	result, err := repo.manager.Delete(ctx, sessionID, opts)
	tracing.EndSpan(span, err)
	return result, err
}

// SubscribeSessions streams tagged session events until ctx is cancelled.
func (o *Orchestrator) SubscribeSessions(ctx context.Context) <-chan pubsub.Event[SessionEvent] {
	return o.sessions.Subscribe(ctx)
}

// SubscribeOrphans streams orphan sweep findings.
func (o *Orchestrator) SubscribeOrphans(ctx context.Context) <-chan pubsub.Event[OrphanEvent] {
	return o.orphans.Subscribe(ctx)
}

// SubscribeSnapshots streams periodic full listings.
func (o *Orchestrator) SubscribeSnapshots(ctx context.Context) <-chan pubsub.Event[[]RepoSessions] {
	return o.snapshots.Subscribe(ctx)
}
