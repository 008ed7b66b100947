// Package github wraps the gh CLI for issue reads, pull-request creation,
// and operator notifications. Write operations report outcomes through
// result structs so callers can record failures without unwinding.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zjrosen/ralphd/internal/cachemanager"
	"github.com/zjrosen/ralphd/internal/log"
)

// issueCacheTTL bounds how long issue metadata is served from cache. Issues
// are treated as immutable while a session is active.
const issueCacheTTL = 10 * time.Minute

// Issue is the metadata fetched for a tracked issue.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	URL    string `json:"url"`
}

// PullRequestResult reports the outcome of a pr create call.
type PullRequestResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NotifyResult reports the outcome of a notification post.
type NotifyResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Gateway is the issue-tracker surface consumed by the session manager and
// the iterative controller.
type Gateway interface {
	FetchIssue(ctx context.Context, owner, name string, number int) (Issue, error)
	CreatePullRequest(ctx context.Context, workDir, title, body, base, head string) PullRequestResult
	Notify(ctx context.Context, message string) NotifyResult
}

// CommandRunner executes a command and returns stdout, stderr, and any error.
// Injectable for tests.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) (string, string, error)

func defaultRunner(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

// Compile-time check that CLI implements Gateway.
var _ Gateway = (*CLI)(nil)

// CLI implements Gateway over the gh binary plus a configurable notify
// command.
type CLI struct {
	run           CommandRunner
	notifyCommand string
	issues        *cachemanager.ReadThroughCache[string, Issue, issueRef]
}

type issueRef struct {
	owner  string
	name   string
	number int
}

// Option configures the CLI gateway.
type Option func(*CLI)

// WithRunner replaces the subprocess runner.
func WithRunner(run CommandRunner) Option {
	return func(c *CLI) { c.run = run }
}

// WithNotifyCommand sets the command invoked with notification text as its
// final argument. Empty disables notifications.
func WithNotifyCommand(command string) Option {
	return func(c *CLI) { c.notifyCommand = command }
}

// NewCLI creates a gh CLI gateway.
func NewCLI(opts ...Option) *CLI {
	c := &CLI{run: defaultRunner}
	for _, opt := range opts {
		opt(c)
	}

	mgr := cachemanager.NewInMemoryCacheManager[string, Issue](
		"github-issues", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	c.issues = cachemanager.NewReadThroughCache[string, Issue, issueRef](mgr, c.fetchIssue, false)

	return c
}

// FetchIssue returns issue metadata, served from cache when fresh.
func (c *CLI) FetchIssue(ctx context.Context, owner, name string, number int) (Issue, error) {
	key := fmt.Sprintf("issue:%s/%s#%d", owner, name, number)
	return c.issues.Get(ctx, key, issueRef{owner: owner, name: name, number: number}, issueCacheTTL)
}

func (c *CLI) fetchIssue(ctx context.Context, ref issueRef) (Issue, error) {
	stdout, stderr, err := c.run(ctx, "", "gh", "issue", "view", fmt.Sprintf("%d", ref.number),
		"--repo", fmt.Sprintf("%s/%s", ref.owner, ref.name),
		"--json", "number,title,body,state,url")
	if err != nil {
		log.ErrorErr(log.CatGitHub, "issue fetch failed", err,
			"owner", ref.owner, "name", ref.name, "number", ref.number, "stderr", stderr)
		return Issue{}, fmt.Errorf("gh issue view %d: %s: %w", ref.number, stderr, err)
	}

	var issue Issue
	if err := json.Unmarshal([]byte(stdout), &issue); err != nil {
		return Issue{}, fmt.Errorf("parsing gh issue view output: %w", err)
	}
	return issue, nil
}

// CreatePullRequest opens a PR from head into base using the working copy's
// checkout for repo context.
func (c *CLI) CreatePullRequest(ctx context.Context, workDir, title, body, base, head string) PullRequestResult {
	stdout, stderr, err := c.run(ctx, workDir, "gh", "pr", "create",
		"--title", title, "--body", body, "--base", base, "--head", head)
	if err != nil {
		log.ErrorErr(log.CatGitHub, "pr create failed", err, "head", head, "stderr", stderr)
		return PullRequestResult{Success: false, Error: firstNonEmpty(stderr, err.Error())}
	}

	// gh prints the PR URL as the last stdout line
	url := stdout
	if idx := strings.LastIndex(stdout, "\n"); idx >= 0 {
		url = strings.TrimSpace(stdout[idx+1:])
	}
	log.Info(log.CatGitHub, "pull request created", "head", head, "url", url)
	return PullRequestResult{Success: true, URL: url}
}

// Notify posts message through the configured notify command. A missing
// command is a silent no-op success.
func (c *CLI) Notify(ctx context.Context, message string) NotifyResult {
	if c.notifyCommand == "" {
		return NotifyResult{Success: true}
	}

	parts := strings.Fields(c.notifyCommand)
	args := append(parts[1:], message)
	_, stderr, err := c.run(ctx, "", parts[0], args...)
	if err != nil {
		log.ErrorErr(log.CatGitHub, "notification failed", err, "stderr", stderr)
		return NotifyResult{Success: false, Error: firstNonEmpty(stderr, err.Error())}
	}
	return NotifyResult{Success: true}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
