package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listDiff bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions for a repository",
	Args:  exactArgs(0),
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listDiff, "diff", false, "include working-copy diff stats")
}

func runList(cmd *cobra.Command, _ []string) error {
	repo, err := resolveRepo()
	if err != nil {
		return err
	}
	manager, err := newManager(repo)
	if err != nil {
		return err
	}

	records, err := manager.ListWithCleanupInfo()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	header := "SESSION\tISSUE\tSTATUS\tMODE\tBRANCH\tHEARTBEAT"
	if listDiff {
		header += "\tDIFF\tLAST COMMIT"
	}
	fmt.Fprintln(w, header)

	for _, r := range records {
		status := string(r.Status)
		if r.WorkingCopyMissing {
			status += " (working copy missing)"
		} else if manager.IsStale(r.Record) {
			status += " (stale)"
		}
		row := fmt.Sprintf("%s\t#%d\t%s\t%s\t%s\t%s",
			r.SessionID, r.Issue.Number, status, r.Mode, r.BranchName,
			r.LastHeartbeat.Format(time.RFC3339))
		if listDiff {
			diff, subject := "-", "-"
			if !r.WorkingCopyMissing {
				if st, err := manager.GetWorkingCopyStatus(cmd.Context(), r.SessionID); err == nil {
					diff = fmt.Sprintf("%d files +%d/-%d", st.FilesChanged, st.Insertions, st.Deletions)
					if st.LastCommitSubject != "" {
						subject = st.LastCommitSubject
					}
				}
			}
			row += "\t" + diff + "\t" + subject
		}
		fmt.Fprintln(w, row)
	}
	return w.Flush()
}
