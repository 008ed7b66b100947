package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <sessionId>",
	Short: "Show one session's record, worker, and working-copy state",
	Args:  exactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	repo, err := resolveRepo()
	if err != nil {
		return err
	}
	manager, err := newManager(repo)
	if err != nil {
		return err
	}

	record, err := manager.Get(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session %s (%s)\n", record.SessionID, record.RepositoryID)
	fmt.Printf("  issue:        #%d %s\n", record.Issue.Number, record.Issue.Title)
	fmt.Printf("  status:       %s\n", record.Status)
	fmt.Printf("  mode:         %s\n", record.Mode)
	fmt.Printf("  branch:       %s\n", record.BranchName)
	fmt.Printf("  working copy: %s\n", record.WorkingCopyPath)
	fmt.Printf("  started:      %s\n", record.StartedAt.Format(time.RFC3339))
	fmt.Printf("  heartbeat:    %s", record.LastHeartbeat.Format(time.RFC3339))
	if manager.IsStale(record) {
		fmt.Print(" (stale)")
	}
	fmt.Println()
	if record.PullRequestURL != "" {
		fmt.Printf("  pull request: %s\n", record.PullRequestURL)
	}
	if record.StuckReason != "" {
		fmt.Printf("  stuck reason: %s\n", record.StuckReason)
	}
	if record.ForwardedMessage != "" {
		fmt.Printf("  pending msg:  %s\n", record.ForwardedMessage)
	}
	if record.DeletionError != "" {
		fmt.Printf("  delete error: %s\n", record.DeletionError)
	}

	if record.SpawnID != "" {
		ps := manager.GetWorkerStatus(record.SpawnID)
		state := "stopped"
		if ps.Running {
			state = "running"
		}
		fmt.Printf("  worker:       %s (spawn %s)\n", state, record.SpawnID)
	}

	if st, err := manager.GetWorkingCopyStatus(cmd.Context(), record.SessionID); err == nil {
		fmt.Printf("  diff:         %d files, +%d/-%d\n", st.FilesChanged, st.Insertions, st.Deletions)
		if st.LastCommitSubject != "" {
			fmt.Printf("  last commit:  %s\n", st.LastCommitSubject)
		}
	}
	if ws, err := manager.GetWorkingCopyState(cmd.Context(), record.SessionID); err == nil {
		fmt.Printf("  pending work: %d uncommitted, %d unpushed\n", ws.UncommittedCount, ws.UnpushedCount)
	}
	return nil
}
