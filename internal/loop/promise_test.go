package loop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ralphd/internal/config"
)

func TestCountPlanTasks(t *testing.T) {
	plan := []byte(`# Plan

- [x] implement parser
- [ ] add tests
  - [x] nested counts too
Some prose in between.
- [X] uppercase marker
`)
	total, done := countPlanTasks(plan)
	require.Equal(t, 4, total)
	require.Equal(t, 3, done)
}

func TestPromisePlanComplete(t *testing.T) {
	dir := t.TempDir()
	ev := NewPromiseEvaluator(config.PromiseConfig{
		Type: config.PromisePlanComplete,
		Path: "IMPLEMENTATION_PLAN.md",
	})

	// No plan file yet: not met, not an error.
	met, _, err := ev.Met(context.Background(), dir)
	require.NoError(t, err)
	require.False(t, met)

	planPath := filepath.Join(dir, "IMPLEMENTATION_PLAN.md")

	// A plan with zero tasks never satisfies the promise.
	require.NoError(t, os.WriteFile(planPath, []byte("just prose\n"), 0o644))
	met, done, err := ev.Met(context.Background(), dir)
	require.NoError(t, err)
	require.False(t, met)
	require.Zero(t, done)

	require.NoError(t, os.WriteFile(planPath, []byte("- [x] a\n- [ ] b\n"), 0o644))
	met, done, err = ev.Met(context.Background(), dir)
	require.NoError(t, err)
	require.False(t, met)
	require.Equal(t, 1, done)

	require.NoError(t, os.WriteFile(planPath, []byte("- [x] a\n- [x] b\n"), 0o644))
	met, done, err = ev.Met(context.Background(), dir)
	require.NoError(t, err)
	require.True(t, met)
	require.Equal(t, 2, done)
}

func TestPromiseFile(t *testing.T) {
	dir := t.TempDir()
	ev := NewPromiseEvaluator(config.PromiseConfig{Type: config.PromiseFile, Path: ".done"})

	met, _, err := ev.Met(context.Background(), dir)
	require.NoError(t, err)
	require.False(t, met)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".done"), nil, 0o644))
	met, _, err = ev.Met(context.Background(), dir)
	require.NoError(t, err)
	require.True(t, met)
}

func TestPromiseShellCommand(t *testing.T) {
	var gotDir, gotCommand string
	pass := true
	ev := NewPromiseEvaluator(config.PromiseConfig{
		Type:    config.PromiseTestsPass,
		Command: "go test ./...",
	}).WithShellRunner(func(ctx context.Context, dir, command string) error {
		gotDir, gotCommand = dir, command
		if !pass {
			return errors.New("exit status 1")
		}
		return nil
	})

	met, _, err := ev.Met(context.Background(), "/work/copy")
	require.NoError(t, err)
	require.True(t, met)
	require.Equal(t, "/work/copy", gotDir)
	require.Equal(t, "go test ./...", gotCommand)

	// A non-zero exit is an unmet promise, not an error.
	pass = false
	met, _, err = ev.Met(context.Background(), "/work/copy")
	require.NoError(t, err)
	require.False(t, met)
}
