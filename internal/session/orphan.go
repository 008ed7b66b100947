package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zjrosen/ralphd/internal/log"
)

// OrphanInfo describes a working copy on disk with no live session record.
type OrphanInfo struct {
	WorkingCopyPath string `json:"workingCopyPath"`
	SessionID       string `json:"sessionId"` // "unknown" when unrecoverable
}

// CleanupResult reports an orphan cleanup outcome.
type CleanupResult struct {
	Success  bool   `json:"success"`
	NotFound bool   `json:"notFound,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CleanupOrphan removes a working copy that has no live session. It refuses
// when the path is not a VCS working copy or when its embedded context names
// a session that still exists in the store. An already-missing path is
// success.
func (m *Manager) CleanupOrphan(ctx context.Context, workingCopyPath string) (CleanupResult, error) {
	if _, err := os.Stat(workingCopyPath); os.IsNotExist(err) {
		return CleanupResult{Success: true, NotFound: true}, nil
	}

	if !m.vcs.IsWorkingCopy(ctx, workingCopyPath) {
		return CleanupResult{
			Error: fmt.Sprintf("%s is not a working copy; refusing to remove", workingCopyPath),
		}, nil
	}

	if wcCtx, ok := m.store.ReadContext(workingCopyPath); ok {
		if m.store.Exists(wcCtx.SessionID) {
			return CleanupResult{
				Error: fmt.Sprintf("working copy belongs to live session %s; delete the session instead", wcCtx.SessionID),
			}, nil
		}
	}

	if err := m.vcs.RemoveWorkingCopy(ctx, m.cfg.RepoRoot, workingCopyPath); err != nil {
		return CleanupResult{Error: err.Error()}, nil
	}

	log.Info(log.CatSession, "orphan cleaned up", "path", workingCopyPath)
	return CleanupResult{Success: true}, nil
}

// DetectOrphans scans the repository root's parent for directories that look
// like this system's working copies but have no session record.
func (m *Manager) DetectOrphans(ctx context.Context) ([]OrphanInfo, error) {
	parent := filepath.Dir(m.cfg.RepoRoot)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", parent, err)
	}

	records, err := m.store.ListAll()
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]bool, len(records))
	for _, r := range records {
		referenced[r.WorkingCopyPath] = true
	}

	var orphans []OrphanInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, m.cfg.WorktreePrefix+"issue-") {
			continue
		}
		path := filepath.Join(parent, name)
		if path == m.cfg.RepoRoot || referenced[path] {
			continue
		}
		if !m.vcs.IsWorkingCopy(ctx, path) {
			continue
		}
		sessionID := "unknown"
		if wcCtx, ok := m.store.ReadContext(path); ok {
			sessionID = wcCtx.SessionID
		}
		orphans = append(orphans, OrphanInfo{WorkingCopyPath: path, SessionID: sessionID})
	}
	return orphans, nil
}
