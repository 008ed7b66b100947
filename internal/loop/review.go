package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/zjrosen/ralphd/internal/config"
	"github.com/zjrosen/ralphd/internal/git"
	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/paths"
	"github.com/zjrosen/ralphd/internal/session"
)

// Verdict is a review agent's judgement.
type Verdict string

const (
	VerdictApproved  Verdict = "APPROVED"
	VerdictNeedsWork Verdict = "NEEDS_WORK"
)

// ReviewRequest describes one review-agent invocation.
type ReviewRequest struct {
	WorkingCopyPath string
	Owner           string
	Repo            string
	IssueNumber     int
	Timeout         time.Duration
}

// ReviewIssue is one enumerated finding from the agent.
type ReviewIssue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// ReviewResult is the parsed agent output.
type ReviewResult struct {
	Verdict         Verdict       `json:"verdict"`
	Summary         string        `json:"summary"`
	RequiredChanges []string      `json:"requiredChanges,omitempty"`
	Issues          []ReviewIssue `json:"issues,omitempty"`
}

// ReviewAgent invokes the external reviewer. Implemented by AgentCommand;
// tests inject fakes.
type ReviewAgent interface {
	Review(ctx context.Context, req ReviewRequest) (ReviewResult, error)
}

// AgentCommand shells out to the configured review command in the working
// copy, passing coordinates as flags, and parses its stdout.
type AgentCommand struct {
	cfg   config.ReviewConfig
	shell func(ctx context.Context, dir, command string) (string, error)
}

// NewAgentCommand builds the subprocess-backed review agent.
func NewAgentCommand(cfg config.ReviewConfig) *AgentCommand {
	return &AgentCommand{cfg: cfg, shell: runShellOutput}
}

// WithShell replaces the subprocess runner.
func (a *AgentCommand) WithShell(shell func(ctx context.Context, dir, command string) (string, error)) *AgentCommand {
	a.shell = shell
	return a
}

func runShellOutput(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // G204: command comes from operator config
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Review runs the agent, bounded by the request timeout.
func (a *AgentCommand) Review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	if a.cfg.Command == "" {
		return ReviewResult{}, fmt.Errorf("no review command configured")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	command := fmt.Sprintf("%s --owner %s --repo %s --issue %d",
		a.cfg.Command, req.Owner, req.Repo, req.IssueNumber)
	if a.cfg.AgentPromptPath != "" {
		command += fmt.Sprintf(" --prompt %s", a.cfg.AgentPromptPath)
	}

	out, err := a.shell(ctx, req.WorkingCopyPath, command)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("review agent failed: %w (output: %s)", err, strings.TrimSpace(out))
	}
	return parseReviewOutput(out)
}

// parseReviewOutput accepts either a JSON result document or plain text
// containing an APPROVED / NEEDS_WORK token.
func parseReviewOutput(out string) (ReviewResult, error) {
	trimmed := strings.TrimSpace(out)

	var res ReviewResult
	if json.Unmarshal([]byte(trimmed), &res) == nil && res.Verdict != "" {
		if res.Verdict != VerdictApproved && res.Verdict != VerdictNeedsWork {
			return ReviewResult{}, fmt.Errorf("unknown review verdict %q", res.Verdict)
		}
		return res, nil
	}

	switch {
	case strings.Contains(trimmed, string(VerdictNeedsWork)):
		return ReviewResult{Verdict: VerdictNeedsWork, Summary: trimmed}, nil
	case strings.Contains(trimmed, string(VerdictApproved)):
		return ReviewResult{Verdict: VerdictApproved, Summary: trimmed}, nil
	default:
		return ReviewResult{}, fmt.Errorf("review output carries no verdict: %s", trimmed)
	}
}

var originURLRe = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/.]+)`)

// resolveCoordinates prefers configured owner/name and falls back to parsing
// the working copy's origin URL.
func resolveCoordinates(ctx context.Context, vcs git.Gateway, workingCopyPath, cfgOwner, cfgName string) (owner, repo string, ok bool) {
	if cfgOwner != "" && cfgName != "" {
		return cfgOwner, cfgName, true
	}
	url, err := vcs.RemoteURL(ctx, workingCopyPath)
	if err != nil {
		log.ErrorErr(log.CatLoop, "origin url lookup failed", err, "path", workingCopyPath)
		return "", "", false
	}
	match := originURLRe.FindStringSubmatch(url)
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}

// writeReviewFeedback renders the NEEDS_WORK findings into the working copy
// for the next worker spawn to read.
func writeReviewFeedback(workingCopyPath string, cycle int, res ReviewResult) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Review feedback (cycle %d)\n\n", cycle)
	if res.Summary != "" {
		fmt.Fprintf(&sb, "%s\n\n", res.Summary)
	}
	if len(res.RequiredChanges) > 0 {
		sb.WriteString("## Required changes\n\n")
		for _, change := range res.RequiredChanges {
			fmt.Fprintf(&sb, "- %s\n", change)
		}
		sb.WriteString("\n")
	}
	if len(res.Issues) > 0 {
		sb.WriteString("## Issues\n\n")
		for _, issue := range res.Issues {
			fmt.Fprintf(&sb, "- **%s**: %s\n", issue.Severity, issue.Description)
		}
	}

	path, err := paths.ReservedPath(workingCopyPath, session.ReviewFeedbackFileName)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644) //nolint:gosec // G306
}

// pullRequestBody renders the PR description for a completed session.
func pullRequestBody(issueNumber int, summary string) string {
	var sb strings.Builder
	if summary != "" {
		fmt.Fprintf(&sb, "%s\n\n", summary)
	}
	fmt.Fprintf(&sb, "Closes #%d\n", issueNumber)
	return sb.String()
}
