package spawner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/pubsub"
)

const (
	// readyWait bounds how long Spawn waits for the worker's ready marker.
	readyWait = 15 * time.Second
	// uiSettleDelay is the pause between readiness and prompt typing.
	uiSettleDelay = 500 * time.Millisecond
	// gracefulStopWait is the pause between SIGINT and SIGKILL on Stop.
	gracefulStopWait = 2 * time.Second
)

// ReadyPredicate decides whether accumulated pty output indicates the worker
// is ready for input. Injectable so tests can drive readiness
// deterministically.
type ReadyPredicate func(output []byte) bool

// MarkerReady returns a predicate matching a literal marker string.
func MarkerReady(marker string) ReadyPredicate {
	m := []byte(marker)
	return func(output []byte) bool {
		return bytes.Contains(output, m)
	}
}

// ptySpawn tracks one running pty worker.
type ptySpawn struct {
	cmd    *exec.Cmd
	tty    *os.File
	broker *pubsub.Broker[[]byte]
	done   chan struct{}

	mu       sync.Mutex
	output   []byte
	exited   bool
	exitCode int
}

// PTY spawns workers on a pseudo-terminal. The worker starts without an
// inline prompt; once ready output is observed the prompt is typed into the
// pty and submitted with a carriage return. The byte stream stays available
// for terminal subscriptions.
type PTY struct {
	command string
	args    []string
	cols    uint16
	rows    uint16
	ready   ReadyPredicate
	factory CommandFactory

	mu     sync.Mutex
	spawns map[string]*ptySpawn
}

// PTYOption configures the pty variant.
type PTYOption func(*PTY)

// WithPTYCommandFactory replaces the worker command constructor.
func WithPTYCommandFactory(factory CommandFactory) PTYOption {
	return func(p *PTY) { p.factory = factory }
}

// WithReadyPredicate replaces the readiness check.
func WithReadyPredicate(ready ReadyPredicate) PTYOption {
	return func(p *PTY) { p.ready = ready }
}

// NewPTY creates the interactive-pty variant.
func NewPTY(command string, args []string, cols, rows int, readyMarker string, opts ...PTYOption) *PTY {
	p := &PTY{
		command: command,
		args:    args,
		cols:    uint16(cols),
		rows:    uint16(rows),
		ready:   MarkerReady(readyMarker),
		factory: defaultCommandFactory,
		spawns:  make(map[string]*ptySpawn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Available reports whether the worker command is on PATH.
func (p *PTY) Available() bool {
	_, err := exec.LookPath(p.command)
	return err == nil
}

// Name returns the variant name.
func (p *PTY) Name() string {
	return "interactive-pty"
}

// Spawn allocates a pty, waits for readiness, and types the prompt.
func (p *PTY) Spawn(ctx context.Context, req Request) Result {
	spawnID := uuid.NewString()
	spawnedAt := time.Now().UTC()

	cmd := p.factory(ctx, p.command, p.args...)
	cmd.Dir = req.WorkingDirectory

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: p.cols, Rows: p.rows})
	if err != nil {
		return Result{Error: "starting pty worker: " + err.Error()}
	}

	sp := &ptySpawn{
		cmd:    cmd,
		tty:    tty,
		broker: pubsub.NewBroker[[]byte](),
		done:   make(chan struct{}),
	}
	p.mu.Lock()
	p.spawns[spawnID] = sp
	p.mu.Unlock()

	readyCh := make(chan struct{})
	log.SafeGo("pty-read-"+spawnID, func() {
		p.readLoop(sp, readyCh)
	})
	log.SafeGo("pty-wait-"+spawnID, func() {
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
		sp.broker.Close()
		_ = tty.Close()
	})

	select {
	case <-readyCh:
	case <-sp.done:
		return Result{Error: "worker exited before becoming ready"}
	case <-time.After(readyWait):
		p.Stop(spawnID)
		return Result{Error: fmt.Sprintf("worker not ready after %s", readyWait)}
	case <-ctx.Done():
		p.Stop(spawnID)
		return Result{Error: "spawn cancelled: " + ctx.Err().Error()}
	}

	time.Sleep(uiSettleDelay)
	if _, err := tty.Write([]byte(req.PromptContent)); err != nil {
		p.Stop(spawnID)
		return Result{Error: "writing prompt: " + err.Error()}
	}
	// Let the worker buffer the prompt before submitting it.
	time.Sleep(promptSettleDelay(len(req.PromptContent)))
	if _, err := tty.Write([]byte("\r")); err != nil {
		p.Stop(spawnID)
		return Result{Error: "submitting prompt: " + err.Error()}
	}

	info := SpawnInfo{
		SpawnID:      spawnID,
		SpawnedAt:    spawnedAt,
		IssueNumbers: []int{req.IssueNumber},
		Iteration:    req.Iteration,
	}
	if err := writeSpawnInfo(req.WorkingDirectory, info); err != nil {
		p.Stop(spawnID)
		return Result{Error: "writing spawn info: " + err.Error()}
	}

	log.Info(log.CatSpawn, "pty worker spawned",
		"spawnId", spawnID, "sessionId", req.SessionID, "iteration", req.Iteration)

	return Result{Success: true, SpawnID: spawnID, SpawnedAt: spawnedAt}
}

// readLoop pumps pty output into the broker and fires readyCh once the ready
// predicate matches the accumulated output.
func (p *PTY) readLoop(sp *ptySpawn, readyCh chan struct{}) {
	signalled := false
	buf := make([]byte, 4096)
	for {
		n, err := sp.tty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			sp.mu.Lock()
			sp.output = append(sp.output, chunk...)
			ready := !signalled && p.ready(sp.output)
			sp.mu.Unlock()

			sp.broker.Publish(pubsub.UpdatedEvent, chunk)
			if ready {
				signalled = true
				close(readyCh)
			}
		}
		if err != nil {
			return
		}
	}
}

// promptSettleDelay scales the post-typing pause with prompt length,
// clamped to [1s, 3s].
func promptSettleDelay(promptLen int) time.Duration {
	d := time.Second + time.Duration(promptLen/2000)*time.Second
	if d > 3*time.Second {
		return 3 * time.Second
	}
	return d
}

// Stop interrupts the worker and escalates to SIGKILL if it lingers.
func (p *PTY) Stop(spawnID string) {
	p.mu.Lock()
	sp, ok := p.spawns[spawnID]
	p.mu.Unlock()
	if !ok {
		return
	}

	sp.mu.Lock()
	exited := sp.exited
	sp.mu.Unlock()
	if exited || sp.cmd.Process == nil {
		return
	}

	_ = sp.cmd.Process.Signal(syscall.SIGINT)
	log.SafeGo("pty-stop-"+spawnID, func() {
		select {
		case <-sp.done:
		case <-time.After(gracefulStopWait):
			_ = sp.cmd.Process.Kill()
		}
	})
}

// Status reports liveness for a spawn id. Unknown ids report not running.
func (p *PTY) Status(spawnID string) ProcessStatus {
	p.mu.Lock()
	sp, ok := p.spawns[spawnID]
	p.mu.Unlock()
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

// LogPath returns "" for pty spawns; output lives in the byte stream.
func (p *PTY) LogPath(spawnID string) string {
	return ""
}

// Subscribe returns the pty output stream for a spawn id, or nil for unknown
// ids. Used by the terminal passthrough.
func (p *PTY) Subscribe(ctx context.Context, spawnID string) <-chan pubsub.Event[[]byte] {
	p.mu.Lock()
	sp, ok := p.spawns[spawnID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return sp.broker.Subscribe(ctx)
}

// WriteInput forwards terminal input bytes to the pty.
func (p *PTY) WriteInput(spawnID string, data []byte) error {
	p.mu.Lock()
	sp, ok := p.spawns[spawnID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown spawn %s", spawnID)
	}
	_, err := sp.tty.Write(data)
	return err
}

// Resize changes the pty window size.
func (p *PTY) Resize(spawnID string, cols, rows int) error {
	p.mu.Lock()
	sp, ok := p.spawns[spawnID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown spawn %s", spawnID)
	}
	return pty.Setsize(sp.tty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}
