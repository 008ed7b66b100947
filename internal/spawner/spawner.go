// Package spawner launches worker processes in one of three modes: headless
// child, interactive pseudo-terminal, or container. All variants implement
// the same Spawner contract; a factory selects one at startup from config.
package spawner

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/zjrosen/ralphd/internal/paths"
)

// SpawnInfoFileName is written into the working copy before a spawn reports
// success.
const SpawnInfoFileName = paths.SpawnInfoFileName

// Request carries everything a variant needs to launch a worker.
type Request struct {
	SessionID        string
	IssueNumber      int
	IssueTitle       string
	WorkingDirectory string
	PromptFilePath   string
	PromptContent    string
	GitHubOwner      string
	GitHubRepo       string
	Iteration        int
}

// Result reports the outcome of a spawn attempt.
type Result struct {
	Success   bool
	SpawnID   string
	SpawnedAt time.Time
	Error     string
}

// ProcessStatus reports worker liveness. ExitCode is nil while running or
// when the exit status is unknown.
type ProcessStatus struct {
	Running  bool
	ExitCode *int
}

// Spawner is the contract all variants implement.
type Spawner interface {
	// Available reports whether this variant can run on the host.
	Available() bool
	// Name is a human-readable variant name.
	Name() string
	// Spawn launches a worker. spawn-info.json is written into the working
	// copy before success is reported; on failure the caller cleans up.
	Spawn(ctx context.Context, req Request) Result
	// Stop requests termination. Idempotent; unknown ids are silent. Stop is
	// best-effort and may return before the process has exited.
	Stop(spawnID string)
	// Status reports liveness and exit code for a spawn id.
	Status(spawnID string) ProcessStatus
	// LogPath returns the captured-output path for a spawn id, or "".
	LogPath(spawnID string) string
}

// SpawnInfo is the metadata written into the working copy at spawn.
type SpawnInfo struct {
	SpawnID      string    `json:"spawnId"`
	SpawnedAt    time.Time `json:"spawnedAt"`
	IssueNumbers []int     `json:"issueNumbers"`
	Iteration    int       `json:"iteration,omitempty"`
}

// writeSpawnInfo persists spawn metadata into the working copy.
func writeSpawnInfo(workingCopyPath string, info SpawnInfo) error {
	return paths.WriteReservedJSON(workingCopyPath, SpawnInfoFileName, info)
}

// CommandFactory builds the worker command. Injectable so tests can swap the
// real worker binary for a scripted stand-in.
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd

func defaultCommandFactory(ctx context.Context, name string, args ...string) *exec.Cmd {
	//nolint:gosec // G204: command comes from config
	return exec.CommandContext(ctx, name, args...)
}

// logFileName returns the combined-output log name for an iteration.
func logFileName(iteration int, now time.Time) string {
	return fmt.Sprintf("worker-%d-%s.log", iteration, now.UTC().Format("20060102T150405"))
}
