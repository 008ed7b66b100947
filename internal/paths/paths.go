// Package paths defines the reserved working-copy layout shared by the
// store, spawner, and controller, and the atomic JSON write they all use.
// It sits below every other internal package and imports none of them.
package paths

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ReservedDir is the working-copy subdirectory holding orchestration files.
const ReservedDir = ".claude"

// Reserved file names inside ReservedDir, plus working-copy root files.
const (
	ContextFileName        = "session-context.json"
	StateFileName          = "session-state.json"
	PromptFileName         = "session-prompt.md"
	SpawnInfoFileName      = "spawn-info.json"
	WorkerStatusFileName   = ".worker-status"
	ReviewFeedbackFileName = "review-feedback.md"

	// PlanFileName sits at the working-copy root, seeded from the issue body.
	PlanFileName = "IMPLEMENTATION_PLAN.md"
	// StuckFileName sits at the working-copy root, written by a worker on
	// early abort.
	StuckFileName = ".stuck"
)

// ReservedPath returns the path of a reserved file inside a working copy,
// creating the reserved directory if needed.
func ReservedPath(workingCopyPath, name string) (string, error) {
	dir := filepath.Join(workingCopyPath, ReservedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return filepath.Join(dir, name), nil
}

// WriteReservedJSON atomically writes v as JSON to a reserved file inside a
// working copy.
func WriteReservedJSON(workingCopyPath, name string, v any) error {
	path, err := ReservedPath(workingCopyPath, name)
	if err != nil {
		return err
	}
	return WriteJSONAtomic(path, v)
}

// WriteJSONAtomic writes v as indented JSON via a temp file and rename so
// readers never observe a partial write.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
