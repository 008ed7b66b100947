package spawner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/paths"
)

// headlessSpawn tracks one running headless worker.
type headlessSpawn struct {
	cmd      *exec.Cmd
	logPath  string
	done     chan struct{}
	exitCode int
	exited   bool
	mu       sync.Mutex
}

// Headless spawns workers as plain child processes. The prompt is delivered
// on stdin and combined output is captured to a timestamped log under the
// working copy's reserved directory. Process exit is the completion signal.
type Headless struct {
	command string
	args    []string
	factory CommandFactory

	mu     sync.Mutex
	spawns map[string]*headlessSpawn
}

// HeadlessOption configures the headless variant.
type HeadlessOption func(*Headless)

// WithHeadlessCommandFactory replaces the worker command constructor.
func WithHeadlessCommandFactory(factory CommandFactory) HeadlessOption {
	return func(h *Headless) { h.factory = factory }
}

// NewHeadless creates the headless variant for the configured worker command.
func NewHeadless(command string, args []string, opts ...HeadlessOption) *Headless {
	h := &Headless{
		command: command,
		args:    args,
		factory: defaultCommandFactory,
		spawns:  make(map[string]*headlessSpawn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Available reports whether the worker command is on PATH.
func (h *Headless) Available() bool {
	_, err := exec.LookPath(h.command)
	return err == nil
}

// Name returns the variant name.
func (h *Headless) Name() string {
	return "headless"
}

// Spawn launches the worker in the working copy with the prompt on stdin.
func (h *Headless) Spawn(ctx context.Context, req Request) Result {
	spawnID := uuid.NewString()
	spawnedAt := time.Now().UTC()

	logPath, err := paths.ReservedPath(req.WorkingDirectory, logFileName(req.Iteration, spawnedAt))
	if err != nil {
		return Result{Error: err.Error()}
	}
	logFile, err := os.Create(logPath) //nolint:gosec // G304: path is inside the working copy
	if err != nil {
		return Result{Error: "creating worker log: " + err.Error()}
	}

	cmd := h.factory(ctx, h.command, h.args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Stdin = strings.NewReader(req.PromptContent)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New process group so Stop can kill the whole worker tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		_ = os.Remove(logPath)
		return Result{Error: "starting worker: " + err.Error()}
	}

	info := SpawnInfo{
		SpawnID:      spawnID,
		SpawnedAt:    spawnedAt,
		IssueNumbers: []int{req.IssueNumber},
		Iteration:    req.Iteration,
	}
	if err := writeSpawnInfo(req.WorkingDirectory, info); err != nil {
		h.kill(cmd)
		_ = logFile.Close()
		return Result{Error: "writing spawn info: " + err.Error()}
	}

	sp := &headlessSpawn{
		cmd:     cmd,
		logPath: logPath,
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.spawns[spawnID] = sp
	h.mu.Unlock()

	log.SafeGo("headless-wait-"+spawnID, func() {
		defer func() { _ = logFile.Close() }()
		err := cmd.Wait()

		sp.mu.Lock()
		sp.exited = true
		if err == nil {
			sp.exitCode = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			sp.exitCode = exitErr.ExitCode()
		} else {
			sp.exitCode = -1
		}
		sp.mu.Unlock()
		close(sp.done)

		log.Info(log.CatSpawn, "worker exited",
			"spawnId", spawnID, "sessionId", req.SessionID, "exitCode", sp.exitCode)
	})

	log.Info(log.CatSpawn, "worker spawned",
		"spawnId", spawnID, "sessionId", req.SessionID,
		"iteration", req.Iteration, "log", filepath.Base(logPath))

	return Result{Success: true, SpawnID: spawnID, SpawnedAt: spawnedAt}
}

// Stop kills the worker's process group. Unknown ids are silent.
func (h *Headless) Stop(spawnID string) {
	h.mu.Lock()
	sp, ok := h.spawns[spawnID]
	h.mu.Unlock()
	if !ok {
		return
	}

	sp.mu.Lock()
	exited := sp.exited
	sp.mu.Unlock()
	if exited {
		return
	}

	h.kill(sp.cmd)
	log.Info(log.CatSpawn, "stop requested", "spawnId", spawnID)
}

func (h *Headless) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// Status reports liveness for a spawn id. Unknown ids report not running.
func (h *Headless) Status(spawnID string) ProcessStatus {
	h.mu.Lock()
	sp, ok := h.spawns[spawnID]
	h.mu.Unlock()
	if !ok {
		return ProcessStatus{}
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !sp.exited {
		return ProcessStatus{Running: true}
	}
	code := sp.exitCode
	return ProcessStatus{ExitCode: &code}
}

// LogPath returns the combined-output log for a spawn id.
func (h *Headless) LogPath(spawnID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sp, ok := h.spawns[spawnID]; ok {
		return sp.logPath
	}
	return ""
}

// Wait blocks until the spawn exits or ctx is done. Used by tests and the
// iterative controller's stop escalation.
func (h *Headless) Wait(ctx context.Context, spawnID string) bool {
	h.mu.Lock()
	sp, ok := h.spawns[spawnID]
	h.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-sp.done:
		return true
	case <-ctx.Done():
		return false
	}
}
