package loop

import (
	"context"
	"fmt"

	"github.com/zjrosen/ralphd/internal/config"
	"github.com/zjrosen/ralphd/internal/git"
	"github.com/zjrosen/ralphd/internal/log"
)

// gitOps runs the loop's commit/push hooks. Outcomes are recorded on the
// iteration state; failures never abort the loop.
type gitOps struct {
	vcs      git.Gateway
	repoRoot string
	cfg      config.GitOperationsConfig
}

// commit stages everything and commits when the policy enables it. Returns
// nil when the hook is disabled.
func (g *gitOps) commit(ctx context.Context, workDir string, iteration int) *CommitResult {
	if !g.cfg.CommitAfterEach {
		return nil
	}

	result := &CommitResult{Iteration: iteration}
	if err := g.vcs.StageAll(ctx, workDir); err != nil {
		result.Outcome = CommitFailed
		result.Message = err.Error()
		log.ErrorErr(log.CatLoop, "stage failed", err, "workDir", workDir)
		return result
	}

	staged, err := g.vcs.HasStagedChanges(ctx, workDir)
	if err != nil {
		result.Outcome = CommitFailed
		result.Message = err.Error()
		return result
	}
	if !staged {
		result.Outcome = CommitNoChanges
		return result
	}

	message := fmt.Sprintf("chore: ralph iteration %d", iteration)
	if err := g.vcs.Commit(ctx, workDir, message); err != nil {
		result.Outcome = CommitFailed
		result.Message = err.Error()
		log.ErrorErr(log.CatLoop, "commit failed", err, "workDir", workDir)
		return result
	}
	result.Outcome = CommitSuccess
	result.Message = message
	return result
}

// push pushes the branch when the policy enables it. Returns nil when the
// hook is disabled.
func (g *gitOps) push(ctx context.Context, workDir, branch string) *PushResult {
	if !g.cfg.PushAfterEach {
		return nil
	}
	if err := g.vcs.Push(ctx, workDir, branch); err != nil {
		log.ErrorErr(log.CatLoop, "push failed", err, "workDir", workDir, "branch", branch)
		return &PushResult{Outcome: PushFailed, Message: err.Error()}
	}
	return &PushResult{Outcome: PushSuccess}
}
