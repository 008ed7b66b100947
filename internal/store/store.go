// Package store persists session records as one JSON file per session under
// a per-repository directory, and manages the reserved metadata files inside
// each working copy.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zjrosen/ralphd/internal/log"
	"github.com/zjrosen/ralphd/internal/paths"
	"github.com/zjrosen/ralphd/internal/session"
)

// Reserved working-copy names, shared with the session package.
const (
	ReservedDir       = session.ReservedDir
	ContextFileName   = session.ContextFileName
	StateFileName     = session.StateFileName
	PromptFileName    = session.PromptFileName
	SpawnInfoFileName = session.SpawnInfoFileName
)

const (
	filePrefix = "work-"
	fileSuffix = ".json"
)

// FileStore is a file-per-session store rooted at one repository's session
// directory. It is the sole mutator of session files; the watcher and any
// external inspector only read.
type FileStore struct {
	dir string
}

// NewFileStore creates the session directory if needed and returns a store
// over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the session directory this store manages.
func (s *FileStore) Dir() string {
	return s.dir
}

// FileName returns the session file name for an id.
func FileName(sessionID string) string {
	return filePrefix + sessionID + fileSuffix
}

// SessionIDFromFileName extracts the session id from a session file name, or
// "" when the name does not match the pattern.
func SessionIDFromFileName(name string) string {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, FileName(sessionID))
}

// Save serialises the record and atomically replaces its file.
func (s *FileStore) Save(record session.Record) error {
	return paths.WriteJSONAtomic(s.path(record.SessionID), record)
}

// Load returns the record for id. A missing or unparseable file returns
// found=false; parse failures are logged.
func (s *FileStore) Load(sessionID string) (session.Record, bool) {
	var record session.Record
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return record, false
	}
	if err := json.Unmarshal(data, &record); err != nil {
		log.ErrorErr(log.CatStore, "skipping unparseable session file", err, "sessionId", sessionID)
		return record, false
	}
	return record, true
}

// ListAll returns every parseable record ordered by issue number. Files that
// fail to parse are logged and skipped.
func (s *FileStore) ListAll() ([]session.Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading session dir %s: %w", s.dir, err)
	}

	var records []session.Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id := SessionIDFromFileName(entry.Name())
		if id == "" {
			continue
		}
		if record, ok := s.Load(id); ok {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Issue.Number < records[j].Issue.Number
	})
	return records, nil
}

// Delete removes the session file. A missing file is success.
func (s *FileStore) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting session file: %w", err)
	}
	return nil
}

// Exists reports whether a session file is present.
func (s *FileStore) Exists(sessionID string) bool {
	_, err := os.Stat(s.path(sessionID))
	return err == nil
}
