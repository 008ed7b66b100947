package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ralphd/internal/session"
)

var (
	deleteForce bool
	deleteKeep  bool
	deleteMode  string
)

var deleteCmd = &cobra.Command{
	Use:   "delete <sessionId>",
	Short: "Delete a session and its working copy",
	Long: `Run the safe-deletion protocol: cancel an active worker, remove the
working copy, optionally delete branches, then drop the session record.
A failed removal leaves the session in deletion_failed; re-run with
--force or roll back with the API.`,
	Args: exactArgs(1),
	RunE: runDelete,
}

var cleanupOrphanCmd = &cobra.Command{
	Use:   "cleanup-orphan <workingCopyPath>",
	Short: "Remove a working copy that has no live session",
	Args:  exactArgs(1),
	RunE:  runCleanupOrphan,
}

func init() {
	rootCmd.AddCommand(deleteCmd, cleanupOrphanCmd)
	deleteCmd.Flags().BoolVar(&deleteForce, "force", false,
		"proceed past removal failures and in-progress deletions")
	deleteCmd.Flags().BoolVar(&deleteKeep, "keep-working-copy", false,
		"delete only the session record")
	deleteCmd.Flags().StringVar(&deleteMode, "mode", string(session.DeleteFolderOnly),
		"folder-only, with-local-branch, or everything")
}

func runDelete(cmd *cobra.Command, args []string) error {
	mode := session.DeletionMode(deleteMode)
	switch mode {
	case session.DeleteFolderOnly, session.DeleteWithLocalBranch, session.DeleteEverything:
	default:
		return &usageError{err: fmt.Errorf("invalid deletion mode %q", deleteMode)}
	}

	repo, err := resolveRepo()
	if err != nil {
		return err
	}
	manager, err := newManager(repo)
	if err != nil {
		return err
	}

	result, err := manager.Delete(cmd.Context(), args[0], session.DeleteOptions{
		KeepWorkingCopy: deleteKeep,
		Force:           deleteForce,
		Mode:            mode,
	})
	if err != nil {
		return err
	}
	if result.InProgress {
		fmt.Println("deletion already in progress")
		return nil
	}
	if !result.Success {
		if result.OrphanPath != "" {
			fmt.Printf("working copy left behind at %s\n", result.OrphanPath)
		}
		return errors.New(result.Error)
	}

	fmt.Printf("Session %s deleted\n", args[0])
	if result.LocalBranchDeleted {
		fmt.Println("  local branch deleted")
	}
	if result.RemoteBranchDeleted {
		fmt.Println("  remote branch deleted")
	}
	return nil
}

func runCleanupOrphan(cmd *cobra.Command, args []string) error {
	repo, err := resolveRepo()
	if err != nil {
		return err
	}
	manager, err := newManager(repo)
	if err != nil {
		return err
	}

	result, err := manager.CleanupOrphan(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if result.NotFound {
		fmt.Println("nothing to clean up: path does not exist")
		return nil
	}
	if !result.Success {
		return errors.New(result.Error)
	}
	fmt.Printf("Removed orphan working copy %s\n", args[0])
	return nil
}
