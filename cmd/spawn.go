package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zjrosen/ralphd/internal/session"
)

var (
	spawnMode     string
	spawnSections []string
)

var spawnCmd = &cobra.Command{
	Use:   "spawn <issueNumber>",
	Short: "Spawn a worker session for an issue",
	Long: `Fetch the issue, create an isolated working copy beside the repository
root, render the worker prompt, and launch the worker. Autonomous sessions
are driven by the iterative loop when the daemon is running.`,
	Args: exactArgs(1),
	RunE: runSpawn,
}

func init() {
	rootCmd.AddCommand(spawnCmd)
	spawnCmd.Flags().StringVar(&spawnMode, "mode", string(session.ModeManual),
		"session mode: manual or autonomous")
	spawnCmd.Flags().StringArrayVar(&spawnSections, "prompt-section", nil,
		"additional prompt section (repeatable)")
}

func runSpawn(cmd *cobra.Command, args []string) error {
	issueNumber, err := strconv.Atoi(args[0])
	if err != nil || issueNumber <= 0 {
		return &usageError{err: fmt.Errorf("issue number must be a positive integer, got %q", args[0])}
	}

	mode := session.Mode(spawnMode)
	if mode != session.ModeManual && mode != session.ModeAutonomous {
		return &usageError{err: fmt.Errorf("invalid mode %q", spawnMode)}
	}

	repo, err := resolveRepo()
	if err != nil {
		return err
	}
	manager, err := newManager(repo)
	if err != nil {
		return err
	}

	record, err := manager.Spawn(cmd.Context(), issueNumber, session.SpawnOptions{
		Mode:                     mode,
		AdditionalPromptSections: spawnSections,
	})
	if err != nil {
		if orphan, ok := session.IsOrphan(err); ok {
			fmt.Printf("Orphan working copy at %s", orphan.WorkingCopyPath)
			if orphan.SessionID != "" {
				fmt.Printf(" (session %s)", orphan.SessionID)
			}
			fmt.Println()
			fmt.Println("Reconcile with: ralphd cleanup-orphan", orphan.WorkingCopyPath)
		}
		return err
	}

	fmt.Printf("Session %s spawned\n", record.SessionID)
	fmt.Printf("  issue:        #%d %s\n", record.Issue.Number, record.Issue.Title)
	fmt.Printf("  branch:       %s\n", record.BranchName)
	fmt.Printf("  working copy: %s\n", record.WorkingCopyPath)
	fmt.Printf("  mode:         %s\n", record.Mode)
	return nil
}
