package spawner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/ralphd/internal/log"
)

// In-container mount points.
const (
	containerWorkDir    = "/workspace"
	containerPromptPath = "/workspace/.claude/session-prompt.md"
	containerCredsDir   = "/home/worker/.credentials"
)

// ContainerConfig carries the resource and mount settings for the container
// variant.
type ContainerConfig struct {
	Image          string
	Memory         string
	CPUs           string
	PidsLimit      int
	CredentialsDir string
}

// Container runs workers inside a locked-down container: dropped
// capabilities, no-new-privileges, PID/memory/CPU caps, working copy
// bind-mounted read-write and the prompt read-only.
type Container struct {
	command string
	args    []string
	cfg     ContainerConfig
	factory CommandFactory

	mu     sync.Mutex
	spawns map[string]string // spawnId -> container name
}

// ContainerOption configures the container variant.
type ContainerOption func(*Container)

// WithContainerCommandFactory replaces the subprocess constructor.
func WithContainerCommandFactory(factory CommandFactory) ContainerOption {
	return func(c *Container) { c.factory = factory }
}

// NewContainer creates the container variant.
func NewContainer(command string, args []string, cfg ContainerConfig, opts ...ContainerOption) *Container {
	c := &Container{
		command: command,
		args:    args,
		cfg:     cfg,
		factory: defaultCommandFactory,
		spawns:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available reports whether the container runtime responds.
func (c *Container) Available() bool {
	cmd := c.factory(context.Background(), "docker", "info")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}

// Name returns the variant name.
func (c *Container) Name() string {
	return "container"
}

// Spawn primes dependencies in the host working copy, then starts a detached
// container running the worker.
func (c *Container) Spawn(ctx context.Context, req Request) Result {
	spawnID := uuid.NewString()
	spawnedAt := time.Now().UTC()
	containerName := containerName(req.SessionID, spawnID)

	if err := c.primeDependencies(ctx, req.WorkingDirectory); err != nil {
		return Result{Error: "priming dependencies: " + err.Error()}
	}

	args := c.runArgs(containerName, req)
	cmd := c.factory(ctx, "docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Result{Error: fmt.Sprintf("docker run: %s: %v", strings.TrimSpace(stderr.String()), err)}
	}

	info := SpawnInfo{
		SpawnID:      spawnID,
		SpawnedAt:    spawnedAt,
		IssueNumbers: []int{req.IssueNumber},
		Iteration:    req.Iteration,
	}
	if err := writeSpawnInfo(req.WorkingDirectory, info); err != nil {
		c.removeContainer(containerName)
		return Result{Error: "writing spawn info: " + err.Error()}
	}

	c.mu.Lock()
	c.spawns[spawnID] = containerName
	c.mu.Unlock()

	log.Info(log.CatSpawn, "container worker spawned",
		"spawnId", spawnID, "sessionId", req.SessionID, "container", containerName)

	return Result{Success: true, SpawnID: spawnID, SpawnedAt: spawnedAt}
}

// runArgs assembles the docker run invocation for a request.
func (c *Container) runArgs(containerName string, req Request) []string {
	args := []string{
		"run", "--detach",
		"--name", containerName,
		"--cap-drop=ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", strconv.Itoa(c.cfg.PidsLimit),
		"--memory", c.cfg.Memory,
		"--cpus", c.cfg.CPUs,
		"--workdir", containerWorkDir,
		"-v", req.WorkingDirectory + ":" + containerWorkDir,
		"-v", req.PromptFilePath + ":" + containerPromptPath + ":ro",
	}
	if c.cfg.CredentialsDir != "" {
		args = append(args, "-v", c.cfg.CredentialsDir+":"+containerCredsDir+":ro")
	}
	args = append(args, c.cfg.Image, c.command)
	args = append(args, c.args...)
	return args
}

// primeDependencies runs an idempotent package-fetch in the host working
// copy for recognised project shapes, so the sandboxed worker starts warm.
func (c *Container) primeDependencies(ctx context.Context, workDir string) error {
	type shape struct {
		marker string
		name   string
		args   []string
	}
	shapes := []shape{
		{marker: "go.mod", name: "go", args: []string{"mod", "download"}},
		{marker: "package.json", name: "npm", args: []string{"ci"}},
		{marker: "requirements.txt", name: "pip", args: []string{"download", "-r", "requirements.txt", "-d", ".pip-cache"}},
	}

	for _, s := range shapes {
		if _, err := os.Stat(filepath.Join(workDir, s.marker)); err != nil {
			continue
		}
		if _, err := exec.LookPath(s.name); err != nil {
			log.Warn(log.CatSpawn, "dependency tool missing, skipping prime",
				"tool", s.name, "marker", s.marker)
			continue
		}
		cmd := c.factory(ctx, s.name, s.args...)
		cmd.Dir = workDir
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s %s: %s: %w", s.name, strings.Join(s.args, " "),
				strings.TrimSpace(stderr.String()), err)
		}
		log.Debug(log.CatSpawn, "dependencies primed", "tool", s.name)
	}
	return nil
}

// Stop stops and removes the container. Unknown ids are silent.
func (c *Container) Stop(spawnID string) {
	c.mu.Lock()
	name, ok := c.spawns[spawnID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.removeContainer(name)
}

func (c *Container) removeContainer(name string) {
	_ = c.factory(context.Background(), "docker", "rm", "--force", name).Run()
}

// Status inspects the container's running state and exit code.
func (c *Container) Status(spawnID string) ProcessStatus {
	c.mu.Lock()
	name, ok := c.spawns[spawnID]
	c.mu.Unlock()
	if !ok {
		return ProcessStatus{}
	}

	cmd := c.factory(context.Background(), "docker", "inspect",
		"--format", "{{.State.Running}} {{.State.ExitCode}}", name)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return ProcessStatus{}
	}
	return parseInspectOutput(stdout.String())
}

// parseInspectOutput parses "true 0" / "false 137" inspect output.
func parseInspectOutput(out string) ProcessStatus {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return ProcessStatus{}
	}
	if fields[0] == "true" {
		return ProcessStatus{Running: true}
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return ProcessStatus{}
	}
	return ProcessStatus{ExitCode: &code}
}

// LogPath returns "" for containers; output is held by the runtime.
func (c *Container) LogPath(spawnID string) string {
	return ""
}

func containerName(sessionID, spawnID string) string {
	short := spawnID
	if len(short) > 8 {
		short = short[:8]
	}
	return "ralphd-" + sessionID + "-" + short
}

// compile-time interface checks
var (
	_ Spawner = (*Headless)(nil)
	_ Spawner = (*PTY)(nil)
	_ Spawner = (*Container)(nil)
)
