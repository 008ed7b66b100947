package spawner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ralphd/internal/config"
	"github.com/zjrosen/ralphd/internal/paths"
)

func TestHeadless_SpawnCapturesOutputAndExitCode(t *testing.T) {
	workDir := t.TempDir()
	h := NewHeadless("sh", []string{"-c", "cat >/dev/null; echo worker-output"})

	res := h.Spawn(context.Background(), Request{
		SessionID:        "42",
		IssueNumber:      42,
		WorkingDirectory: workDir,
		PromptContent:    "do the thing",
		Iteration:        1,
	})
	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, res.SpawnID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, h.Wait(ctx, res.SpawnID))

	st := h.Status(res.SpawnID)
	require.False(t, st.Running)
	require.NotNil(t, st.ExitCode)
	require.Equal(t, 0, *st.ExitCode)

	logPath := h.LogPath(res.SpawnID)
	require.NotEmpty(t, logPath)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "worker-output")
}

func TestHeadless_SpawnWritesSpawnInfoBeforeSuccess(t *testing.T) {
	workDir := t.TempDir()
	h := NewHeadless("sh", []string{"-c", "cat >/dev/null"})

	res := h.Spawn(context.Background(), Request{
		SessionID:        "42",
		IssueNumber:      42,
		WorkingDirectory: workDir,
		Iteration:        3,
	})
	require.True(t, res.Success, res.Error)

	data, err := os.ReadFile(filepath.Join(workDir, paths.ReservedDir, SpawnInfoFileName))
	require.NoError(t, err)

	var info SpawnInfo
	require.NoError(t, json.Unmarshal(data, &info))
	require.Equal(t, res.SpawnID, info.SpawnID)
	require.Equal(t, []int{42}, info.IssueNumbers)
	require.Equal(t, 3, info.Iteration)
}

func TestHeadless_SpawnFailureReportsError(t *testing.T) {
	h := NewHeadless("definitely-not-a-real-binary-ralphd", nil)

	res := h.Spawn(context.Background(), Request{
		WorkingDirectory: t.TempDir(),
	})
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)
}

func TestHeadless_StopKillsRunningWorker(t *testing.T) {
	h := NewHeadless("sh", []string{"-c", "sleep 60"})

	res := h.Spawn(context.Background(), Request{WorkingDirectory: t.TempDir()})
	require.True(t, res.Success, res.Error)
	require.True(t, h.Status(res.SpawnID).Running)

	h.Stop(res.SpawnID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, h.Wait(ctx, res.SpawnID))
	require.False(t, h.Status(res.SpawnID).Running)
}

func TestHeadless_StopUnknownIDIsSilent(t *testing.T) {
	h := NewHeadless("sh", nil)
	h.Stop("nope")
	require.False(t, h.Status("nope").Running)
}

func TestPromptSettleDelay_Bounds(t *testing.T) {
	require.Equal(t, time.Second, promptSettleDelay(0))
	require.Equal(t, time.Second, promptSettleDelay(500))
	require.Equal(t, 2*time.Second, promptSettleDelay(4000))
	require.Equal(t, 3*time.Second, promptSettleDelay(100000))
}

func TestMarkerReady(t *testing.T) {
	ready := MarkerReady(">")
	require.False(t, ready([]byte("starting up")))
	require.True(t, ready([]byte("starting up\n> ")))
}

func TestParseInspectOutput(t *testing.T) {
	st := parseInspectOutput("true 0\n")
	require.True(t, st.Running)
	require.Nil(t, st.ExitCode)

	st = parseInspectOutput("false 137")
	require.False(t, st.Running)
	require.NotNil(t, st.ExitCode)
	require.Equal(t, 137, *st.ExitCode)

	st = parseInspectOutput("garbage")
	require.False(t, st.Running)
	require.Nil(t, st.ExitCode)
}

func TestContainer_RunArgsLockDown(t *testing.T) {
	c := NewContainer("claude", []string{"--print"}, ContainerConfig{
		Image:          "ralphd-worker:latest",
		Memory:         "4g",
		CPUs:           "2",
		PidsLimit:      512,
		CredentialsDir: "/home/me/.claude",
	})

	args := c.runArgs("ralphd-42-abc", Request{
		WorkingDirectory: "/work/app-issue-42",
		PromptFilePath:   "/work/app-issue-42/.claude/session-prompt.md",
	})

	require.Contains(t, args, "--cap-drop=ALL")
	require.Contains(t, args, "no-new-privileges")
	require.Contains(t, args, "ralphd-worker:latest")
	require.Contains(t, args, "/work/app-issue-42:/workspace")
	require.Contains(t, args, "/work/app-issue-42/.claude/session-prompt.md:/workspace/.claude/session-prompt.md:ro")
	require.Contains(t, args, "/home/me/.claude:/home/worker/.credentials:ro")
}

func TestFactory_SelectsVariant(t *testing.T) {
	cfg := config.SpawnerConfig{Command: "claude", PTYCols: 200, PTYRows: 50, ReadyMarker: ">"}

	s, err := New(config.SpawnerHeadless, cfg)
	require.NoError(t, err)
	require.Equal(t, "headless", s.Name())

	s, err = New(config.SpawnerPTY, cfg)
	require.NoError(t, err)
	require.Equal(t, "interactive-pty", s.Name())

	s, err = New(config.SpawnerContainer, cfg)
	require.NoError(t, err)
	require.Equal(t, "container", s.Name())

	_, err = New("vm", cfg)
	require.Error(t, err)
}
