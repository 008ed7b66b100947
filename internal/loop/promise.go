package loop

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zjrosen/ralphd/internal/config"
)

// ShellRunner executes a shell command in a directory and reports whether it
// exited zero. Injected so tests avoid real subprocesses.
type ShellRunner func(ctx context.Context, dir, command string) error

func defaultShellRunner(ctx context.Context, dir, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // G204: command comes from operator config
	cmd.Dir = dir
	return cmd.Run()
}

// PromiseEvaluator decides whether a session's configured goal condition
// holds.
type PromiseEvaluator struct {
	cfg   config.PromiseConfig
	shell ShellRunner
}

// NewPromiseEvaluator builds an evaluator for the configured promise.
func NewPromiseEvaluator(cfg config.PromiseConfig) *PromiseEvaluator {
	return &PromiseEvaluator{cfg: cfg, shell: defaultShellRunner}
}

// WithShellRunner replaces the subprocess runner.
func (e *PromiseEvaluator) WithShellRunner(r ShellRunner) *PromiseEvaluator {
	e.shell = r
	return e
}

// Met evaluates the promise against a working copy. completedTasks is only
// meaningful for plan_complete promises.
func (e *PromiseEvaluator) Met(ctx context.Context, workingCopyPath string) (met bool, completedTasks int, err error) {
	switch e.cfg.Type {
	case config.PromisePlanComplete:
		data, readErr := os.ReadFile(filepath.Join(workingCopyPath, e.cfg.Path))
		if readErr != nil {
			// No plan file means nothing has been promised yet.
			return false, 0, nil
		}
		total, done := countPlanTasks(data)
		return total > 0 && done == total, done, nil

	case config.PromiseFile:
		_, statErr := os.Stat(filepath.Join(workingCopyPath, e.cfg.Path))
		return statErr == nil, 0, nil

	case config.PromiseTestsPass, config.PromiseCustom:
		if runErr := e.shell(ctx, workingCopyPath, e.cfg.Command); runErr != nil {
			return false, 0, nil
		}
		return true, 0, nil

	default:
		return false, 0, fmt.Errorf("unknown promise type %q", e.cfg.Type)
	}
}

// countPlanTasks scans a markdown plan for task-list items. A task line is a
// list item starting with "- [ ]" or "- [x]" after leading whitespace.
func countPlanTasks(data []byte) (total, done int) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "- [x]"), strings.HasPrefix(line, "- [X]"):
			total++
			done++
		case strings.HasPrefix(line, "- [ ]"):
			total++
		}
	}
	return total, done
}
