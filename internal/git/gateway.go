// Package git wraps the git CLI for working-copy and branch management.
// All operations shell out to git; stderr is parsed into typed errors so
// callers can branch on the failure mode with errors.Is.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Git-specific errors for working-copy operations.
var (
	// ErrBranchAlreadyCheckedOut indicates the branch is checked out in another working copy.
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another working copy")

	// ErrPathAlreadyExists indicates the working-copy path already exists.
	ErrPathAlreadyExists = errors.New("working-copy path already exists")

	// ErrWorkingCopyLocked indicates the working copy is locked.
	ErrWorkingCopyLocked = errors.New("working copy is locked")

	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrBranchNotFound indicates the branch does not exist.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrNoUpstream indicates the branch has no upstream configured.
	ErrNoUpstream = errors.New("no upstream branch")
)

// DiffStatus summarizes the divergence of a working copy from its base ref.
type DiffStatus struct {
	FilesChanged      int      `json:"filesChanged"`
	Insertions        int      `json:"insertions"`
	Deletions         int      `json:"deletions"`
	ChangedFiles      []string `json:"changedFiles"`
	LastCommitSubject string   `json:"lastCommitSubject"`
}

// WorkStatus counts pending work in a working copy.
type WorkStatus struct {
	UncommittedCount int  `json:"uncommittedCount"`
	UnpushedCount    int  `json:"unpushedCount"`
	HasUpstream      bool `json:"hasUpstream"`
}

// Gateway is the VCS operations surface consumed by the session manager and
// the iterative controller.
type Gateway interface {
	CreateWorkingCopy(ctx context.Context, repoRoot, path, branch, baseRef string) error
	RemoveWorkingCopy(ctx context.Context, repoRoot, path string) error
	DeleteLocalBranch(ctx context.Context, repoRoot, branch string) error
	DeleteRemoteBranch(ctx context.Context, repoRoot, branch string) error
	DiffStatus(ctx context.Context, workDir, baseRef string) (DiffStatus, error)
	WorkStatus(ctx context.Context, workDir string) (WorkStatus, error)
	IsWorkingCopy(ctx context.Context, dir string) bool
	RepositoryRoot(ctx context.Context, dir string) (string, error)
	RemoteURL(ctx context.Context, workDir string) (string, error)
	StageAll(ctx context.Context, workDir string) error
	HasStagedChanges(ctx context.Context, workDir string) (bool, error)
	Commit(ctx context.Context, workDir, message string) error
	Push(ctx context.Context, workDir, branch string) error
}

// Compile-time check that CLI implements Gateway.
var _ Gateway = (*CLI)(nil)

// CLI implements Gateway by executing the git binary.
type CLI struct{}

// NewCLI creates a git CLI gateway.
func NewCLI() *CLI {
	return &CLI{}
}

// runGit executes a git command in dir and returns an error if it fails.
func (c *CLI) runGit(ctx context.Context, dir string, args ...string) error {
	_, err := c.runGitOutput(ctx, dir, args...)
	return err
}

// runGitOutput executes a git command in dir and returns stdout and any error.
func (c *CLI) runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	stderrLower := strings.ToLower(stderr)

	// Branch already checked out: fatal: '<branch>' is already checked out
	if strings.Contains(stderrLower, "is already checked out") ||
		strings.Contains(stderrLower, "already checked out at") {
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	}

	// Path already exists: fatal: '<path>' already exists
	if strings.Contains(stderrLower, "already exists") {
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	}

	// Locked working copy: fatal: '<path>' is locked
	if strings.Contains(stderrLower, "is locked") {
		return fmt.Errorf("%w: %s", ErrWorkingCopyLocked, stderr)
	}

	if strings.Contains(stderrLower, "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}

	// Missing branch: error: branch 'x' not found / remote ref does not exist
	if strings.Contains(stderrLower, "branch") && strings.Contains(stderrLower, "not found") ||
		strings.Contains(stderrLower, "remote ref does not exist") {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, stderr)
	}

	// No upstream: fatal: no upstream configured for branch 'x'
	if strings.Contains(stderrLower, "no upstream") ||
		strings.Contains(stderrLower, "upstream branch") && strings.Contains(stderrLower, "does not match") {
		return fmt.Errorf("%w: %s", ErrNoUpstream, stderr)
	}

	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// CreateWorkingCopy creates a working copy at path on a new branch based on
// baseRef. An empty baseRef bases the branch on HEAD.
func (c *CLI) CreateWorkingCopy(ctx context.Context, repoRoot, path, branch, baseRef string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if baseRef != "" {
		args = append(args, baseRef)
	}
	return c.runGit(ctx, repoRoot, args...)
}

// RemoveWorkingCopy removes the working copy at path. A path git no longer
// knows about is treated as success; stale references are pruned either way.
func (c *CLI) RemoveWorkingCopy(ctx context.Context, repoRoot, path string) error {
	err := c.runGit(ctx, repoRoot, "worktree", "remove", "--force", path)
	if err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			err = nil
		}
	}
	pruneErr := c.runGit(ctx, repoRoot, "worktree", "prune")
	if err != nil {
		return err
	}
	return pruneErr
}

// DeleteLocalBranch force-deletes a local branch. A missing branch is success.
func (c *CLI) DeleteLocalBranch(ctx context.Context, repoRoot, branch string) error {
	err := c.runGit(ctx, repoRoot, "branch", "-D", branch)
	if errors.Is(err, ErrBranchNotFound) {
		return nil
	}
	return err
}

// DeleteRemoteBranch deletes the branch on origin. A missing remote ref is
// success.
func (c *CLI) DeleteRemoteBranch(ctx context.Context, repoRoot, branch string) error {
	err := c.runGit(ctx, repoRoot, "push", "origin", "--delete", branch)
	if errors.Is(err, ErrBranchNotFound) {
		return nil
	}
	return err
}

// DiffStatus reports the working copy's divergence from baseRef plus the
// subject of the most recent commit.
func (c *CLI) DiffStatus(ctx context.Context, workDir, baseRef string) (DiffStatus, error) {
	var ds DiffStatus

	shortstat, err := c.runGitOutput(ctx, workDir, "diff", "--shortstat", baseRef)
	if err != nil {
		return ds, err
	}
	ds.FilesChanged, ds.Insertions, ds.Deletions = parseShortstat(shortstat)

	names, err := c.runGitOutput(ctx, workDir, "diff", "--name-only", baseRef)
	if err != nil {
		return ds, err
	}
	if names != "" {
		ds.ChangedFiles = strings.Split(names, "\n")
	}

	subject, err := c.runGitOutput(ctx, workDir, "log", "-1", "--format=%s")
	if err == nil {
		ds.LastCommitSubject = subject
	}

	return ds, nil
}

// WorkStatus counts uncommitted files and commits not yet pushed upstream.
// A branch without an upstream reports HasUpstream=false with a zero unpushed
// count rather than an error.
func (c *CLI) WorkStatus(ctx context.Context, workDir string) (WorkStatus, error) {
	var ws WorkStatus

	porcelain, err := c.runGitOutput(ctx, workDir, "status", "--porcelain")
	if err != nil {
		return ws, err
	}
	if porcelain != "" {
		ws.UncommittedCount = len(strings.Split(porcelain, "\n"))
	}

	count, err := c.runGitOutput(ctx, workDir, "rev-list", "--count", "@{u}..HEAD")
	if err != nil {
		if errors.Is(err, ErrNoUpstream) {
			return ws, nil
		}
		// rev-list reports a missing upstream as a bad revision
		if strings.Contains(err.Error(), "@{u}") || strings.Contains(err.Error(), "upstream") {
			return ws, nil
		}
		return ws, err
	}
	ws.HasUpstream = true
	ws.UnpushedCount, _ = strconv.Atoi(count)

	return ws, nil
}

// IsWorkingCopy reports whether dir is inside a linked working copy rather
// than the main checkout. In a linked working copy .git is a file, not a
// directory.
func (c *CLI) IsWorkingCopy(ctx context.Context, dir string) bool {
	gitDir, err := c.runGitOutput(ctx, dir, "rev-parse", "--git-dir")
	if err != nil {
		return false
	}

	gitPath := gitDir
	if !filepath.IsAbs(gitDir) {
		gitPath = filepath.Join(dir, gitDir)
	}
	info, err := os.Stat(filepath.Join(filepath.Dir(gitPath), ".git"))
	if err != nil {
		info, err = os.Stat(filepath.Join(dir, ".git"))
		if err != nil {
			return false
		}
	}
	return !info.IsDir()
}

// RepositoryRoot returns the top-level directory of the checkout containing dir.
func (c *CLI) RepositoryRoot(ctx context.Context, dir string) (string, error) {
	return c.runGitOutput(ctx, dir, "rev-parse", "--show-toplevel")
}

// RemoteURL returns the origin remote URL.
func (c *CLI) RemoteURL(ctx context.Context, workDir string) (string, error) {
	return c.runGitOutput(ctx, workDir, "config", "--get", "remote.origin.url")
}

// StageAll stages every change in the working copy.
func (c *CLI) StageAll(ctx context.Context, workDir string) error {
	return c.runGit(ctx, workDir, "add", "-A")
}

// HasStagedChanges reports whether anything is staged for commit.
func (c *CLI) HasStagedChanges(ctx context.Context, workDir string) (bool, error) {
	// diff --cached --quiet exits 1 when there are staged changes
	err := c.runGit(ctx, workDir, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	// stderr-parsed errors lose the exit code; treat any non-fatal diff
	// failure as staged changes so the commit path surfaces the real error
	if !errors.Is(err, ErrNotGitRepo) {
		return true, nil
	}
	return false, err
}

// Commit records the staged changes with the given message.
func (c *CLI) Commit(ctx context.Context, workDir, message string) error {
	return c.runGit(ctx, workDir, "commit", "-m", message)
}

// Push pushes branch to origin, setting the upstream on first push.
func (c *CLI) Push(ctx context.Context, workDir, branch string) error {
	return c.runGit(ctx, workDir, "push", "-u", "origin", branch)
}

var shortstatRe = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// parseShortstat extracts counts from git diff --shortstat output, e.g.
// " 3 files changed, 10 insertions(+), 2 deletions(-)".
func parseShortstat(out string) (files, insertions, deletions int) {
	m := shortstatRe.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, 0
	}
	files, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		insertions, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		deletions, _ = strconv.Atoi(m[3])
	}
	return files, insertions, deletions
}
