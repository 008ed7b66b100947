package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/paths"
	"github.com/zjrosen/ralphd/internal/session"
)

// WriteContext writes the static session-context file into the working copy.
func (s *FileStore) WriteContext(workingCopyPath string, ctx session.Context) error {
	return paths.WriteReservedJSON(workingCopyPath, ContextFileName, ctx)
}

// ReadContext reads the session-context file. Missing or unparseable files
// return found=false.
func (s *FileStore) ReadContext(workingCopyPath string) (session.Context, bool) {
	var ctx session.Context
	data, err := os.ReadFile(filepath.Join(workingCopyPath, ReservedDir, ContextFileName))
	if err != nil {
		return ctx, false
	}
	if err := json.Unmarshal(data, &ctx); err != nil {
		log.ErrorErr(log.CatStore, "skipping unparseable session context", err, "path", workingCopyPath)
		return ctx, false
	}
	return ctx, true
}

// WriteState writes the dynamic session-state file into the working copy.
func (s *FileStore) WriteState(workingCopyPath string, state session.DynamicState) error {
	return paths.WriteReservedJSON(workingCopyPath, StateFileName, state)
}

// ReadState reads the dynamic session-state file. Workers tolerate missing
// or partial reads and so does this; found=false covers both.
func (s *FileStore) ReadState(workingCopyPath string) (session.DynamicState, bool) {
	var state session.DynamicState
	data, err := os.ReadFile(filepath.Join(workingCopyPath, ReservedDir, StateFileName))
	if err != nil {
		return state, false
	}
	if err := json.Unmarshal(data, &state); err != nil {
		log.ErrorErr(log.CatStore, "skipping unparseable session state", err, "path", workingCopyPath)
		return state, false
	}
	return state, true
}

// Compile-time check that FileStore implements the session store surface.
var _ session.Store = (*FileStore)(nil)
