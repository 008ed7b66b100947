package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, cfg.Repositories)
	require.Equal(t, "claude", cfg.Spawner.Command)
	require.Equal(t, 10, cfg.Loop.MaxIterations)
	require.Equal(t, PromisePlanComplete, cfg.Loop.Promise.Type)
	require.Equal(t, DoneSignalStatus, cfg.Loop.DoneSignal.Type)
	require.Equal(t, 90, cfg.StaleThresholdSeconds)
	require.Equal(t, filepath.Dir(path), cfg.BaseDir)
}

func TestLoad_ParsesRepositories(t *testing.T) {
	path := writeConfig(t, `{
		"repositories": [
			{"id": "backend", "root": "/srv/backend", "owner": "acme", "name": "backend", "default_mode": "pty"}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Repositories, 1)

	repo, ok := cfg.Repository("backend")
	require.True(t, ok)
	require.Equal(t, "/srv/backend", repo.Root)
	require.Equal(t, SpawnerPTY, repo.DefaultMode)
	require.Equal(t, "backend-", repo.Prefix())

	_, ok = cfg.Repository("nope")
	require.False(t, ok)
}

func TestLoad_MalformedJSONFails(t *testing.T) {
	path := writeConfig(t, `{"repositories": [`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_RejectsDuplicateRepositoryIDs(t *testing.T) {
	path := writeConfig(t, `{
		"repositories": [
			{"id": "a", "root": "/x/a"},
			{"id": "a", "root": "/x/b"}
		]
	}`)

	_, err := Load(path)
	require.ErrorContains(t, err, "duplicate repository id")
}

func TestValidate_RejectsRelativeRoot(t *testing.T) {
	path := writeConfig(t, `{
		"repositories": [{"id": "a", "root": "relative/path"}]
	}`)

	_, err := Load(path)
	require.ErrorContains(t, err, "must be absolute")
}

func TestValidate_RejectsReservedExitCodeDoneSignal(t *testing.T) {
	path := writeConfig(t, `{
		"loop": {"done_signal": {"type": "exit_code"}}
	}`)

	_, err := Load(path)
	require.ErrorContains(t, err, "reserved")
}

func TestValidate_RequiresPromiseCommandForCustom(t *testing.T) {
	path := writeConfig(t, `{
		"loop": {"promise": {"type": "custom"}}
	}`)

	_, err := Load(path)
	require.ErrorContains(t, err, "loop.promise.command")
}

func TestValidate_RejectsUnknownSpawnerMode(t *testing.T) {
	path := writeConfig(t, `{
		"repositories": [{"id": "a", "root": "/x/a", "default_mode": "vm"}]
	}`)

	_, err := Load(path)
	require.ErrorContains(t, err, "unknown default_mode")
}

func TestDefaultPath_HonoursEnvOverride(t *testing.T) {
	t.Setenv(EnvConfigPath, "/tmp/custom/config.json")
	require.Equal(t, "/tmp/custom/config.json", DefaultPath())
}
