package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zjrosen/ralphd/internal/log"
)

// DeletionMode selects how much a delete removes beyond the record.
type DeletionMode string

const (
	// DeleteFolderOnly removes the working copy and the record.
	DeleteFolderOnly DeletionMode = "folder-only"
	// DeleteWithLocalBranch also force-deletes the local branch.
	DeleteWithLocalBranch DeletionMode = "with-local-branch"
	// DeleteEverything also deletes the remote branch.
	DeleteEverything DeletionMode = "everything"
)

// DeleteOptions tunes the deletion protocol.
type DeleteOptions struct {
	KeepWorkingCopy bool
	Force           bool
	Mode            DeletionMode
}

// DeleteResult reports a deletion outcome. Working-copy removal failure is
// reported here, not raised.
type DeleteResult struct {
	Success    bool   `json:"success"`
	InProgress bool   `json:"inProgress,omitempty"`
	Error      string `json:"error,omitempty"`
	// OrphanPath is set when removal failed and the working copy remains.
	OrphanPath string `json:"orphanPath,omitempty"`
	// Branch deletion outcomes are recorded, never fatal.
	LocalBranchDeleted  bool `json:"localBranchDeleted,omitempty"`
	RemoteBranchDeleted bool `json:"remoteBranchDeleted,omitempty"`
}

// Delete runs the safe-deletion protocol:
// an active session is first cancelled and given a short grace period so a
// watcher-driven worker can exit, then the record moves to deleting, the
// working copy is removed, branches are deleted per mode, and finally the
// session file is deleted.
func (m *Manager) Delete(ctx context.Context, sessionID string, opts DeleteOptions) (DeleteResult, error) {
	if opts.Mode == "" {
		opts.Mode = DeleteFolderOnly
	}

	mu := m.lockFor(sessionID)
	mu.Lock()

	record, ok := m.store.Load(sessionID)
	if !ok {
		mu.Unlock()
		return DeleteResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if record.Status == StatusDeleting && !opts.Force {
		mu.Unlock()
		return DeleteResult{InProgress: true}, nil
	}

	previous := record.PreviousStatus
	if !record.Status.IsDeletionState() {
		previous = record.Status
	}

	// Cooperative cancellation: persist cancelled first so the worker's
	// watcher observes it, then wait before touching the working copy.
	if record.Status.IsActive() && !opts.KeepWorkingCopy {
		record.Status = StatusCancelled
		record.StuckReason = ""
		record.LastHeartbeat = m.now().UTC()
		if err := m.store.Save(record); err != nil {
			mu.Unlock()
			return DeleteResult{}, fmt.Errorf("persisting cancellation: %w", err)
		}
		m.writeState(record)
		mu.Unlock()

		select {
		case <-time.After(m.cfg.CancelWait):
		case <-ctx.Done():
			return DeleteResult{}, ctx.Err()
		}

		mu.Lock()
		record, ok = m.store.Load(sessionID)
		if !ok {
			mu.Unlock()
			return DeleteResult{Success: true}, nil
		}

		// Escalate if the worker is still running after the grace period.
		if record.SpawnID != "" && m.spawner.Status(record.SpawnID).Running {
			m.spawner.Stop(record.SpawnID)
		}
	}
	defer mu.Unlock()

	record.PreviousStatus = previous
	record.Status = StatusDeleting
	record.StuckReason = ""
	record.DeletionError = ""
	record.LastHeartbeat = m.now().UTC()
	if err := m.store.Save(record); err != nil {
		return DeleteResult{}, fmt.Errorf("persisting deleting state: %w", err)
	}

	result := DeleteResult{Success: true}

	if !opts.KeepWorkingCopy {
		if err := m.vcs.RemoveWorkingCopy(ctx, m.cfg.RepoRoot, record.WorkingCopyPath); err != nil {
			if !opts.Force {
				record.Status = StatusDeletionFailed
				record.DeletionError = err.Error()
				record.LastHeartbeat = m.now().UTC()
				if saveErr := m.store.Save(record); saveErr != nil {
					log.ErrorErr(log.CatSession, "persisting deletion_failed failed", saveErr,
						"sessionId", sessionID)
				}
				log.ErrorErr(log.CatSession, "working copy removal failed", err,
					"sessionId", sessionID, "path", record.WorkingCopyPath)
				return DeleteResult{
					Success:    false,
					Error:      fmt.Sprintf("removing working copy: %v", err),
					OrphanPath: record.WorkingCopyPath,
				}, nil
			}
			// Forced: fall back to removing whatever is left on disk.
			if rmErr := os.RemoveAll(record.WorkingCopyPath); rmErr != nil {
				log.ErrorErr(log.CatSession, "forced working copy removal failed", rmErr,
					"sessionId", sessionID)
			}
		}
	}

	if opts.Mode == DeleteWithLocalBranch || opts.Mode == DeleteEverything {
		if err := m.vcs.DeleteLocalBranch(ctx, m.cfg.RepoRoot, record.BranchName); err != nil {
			log.ErrorErr(log.CatSession, "local branch delete failed", err,
				"sessionId", sessionID, "branch", record.BranchName)
		} else {
			result.LocalBranchDeleted = true
		}
	}
	if opts.Mode == DeleteEverything {
		if err := m.vcs.DeleteRemoteBranch(ctx, m.cfg.RepoRoot, record.BranchName); err != nil {
			log.ErrorErr(log.CatSession, "remote branch delete failed", err,
				"sessionId", sessionID, "branch", record.BranchName)
		} else {
			result.RemoteBranchDeleted = true
		}
	}

	if err := m.store.Delete(sessionID); err != nil {
		return DeleteResult{}, fmt.Errorf("deleting session file: %w", err)
	}

	log.Info(log.CatSession, "session deleted",
		"sessionId", sessionID, "mode", string(opts.Mode), "kept", opts.KeepWorkingCopy)
	return result, nil
}

// RetryDelete re-runs the deletion protocol for a session stuck in
// deletion_failed.
func (m *Manager) RetryDelete(ctx context.Context, sessionID string, opts DeleteOptions) (DeleteResult, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	record, ok := m.store.Load(sessionID)
	if !ok {
		mu.Unlock()
		return DeleteResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if record.Status != StatusDeletionFailed {
		mu.Unlock()
		return DeleteResult{}, fmt.Errorf("%w: %s is %s", ErrNotInDeletionFailedState, sessionID, record.Status)
	}
	mu.Unlock()

	return m.Delete(ctx, sessionID, opts)
}

// RollbackDeletion restores a deletion_failed session to its stashed
// previous status (default stuck).
func (m *Manager) RollbackDeletion(ctx context.Context, sessionID string) (Record, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	record, ok := m.store.Load(sessionID)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if record.Status != StatusDeletionFailed {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrNotInDeletionFailedState, sessionID, record.Status)
	}

	restored := record.PreviousStatus
	if restored == "" {
		restored = StatusStuck
	}
	record.Status = restored
	if restored == StatusStuck && record.StuckReason == "" {
		record.StuckReason = "deletion rolled back"
	}
	if restored != StatusStuck {
		record.StuckReason = ""
	}
	record.PreviousStatus = ""
	record.DeletionError = ""
	record.LastHeartbeat = m.now().UTC()

	if err := m.store.Save(record); err != nil {
		return Record{}, fmt.Errorf("saving rollback: %w", err)
	}
	m.writeState(record)

	log.Info(log.CatSession, "deletion rolled back",
		"sessionId", sessionID, "status", string(restored))
	return record, nil
}
