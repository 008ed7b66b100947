package paths

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReservedPathCreatesDir(t *testing.T) {
	workDir := t.TempDir()

	path, err := ReservedPath(workDir, StateFileName)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(workDir, ReservedDir, StateFileName), path)

	info, err := os.Stat(filepath.Join(workDir, ReservedDir))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestWriteReservedJSON(t *testing.T) {
	workDir := t.TempDir()
	payload := map[string]int{"iteration": 3}

	require.NoError(t, WriteReservedJSON(workDir, SpawnInfoFileName, payload))

	data, err := os.ReadFile(filepath.Join(workDir, ReservedDir, SpawnInfoFileName))
	require.NoError(t, err)

	var got map[string]int
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, payload, got)
}

func TestWriteJSONAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	require.NoError(t, WriteJSONAtomic(path, map[string]string{"status": "working"}))
	require.NoError(t, WriteJSONAtomic(path, map[string]string{"status": "done"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "record.json", entries[0].Name())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "done", got["status"])
}
