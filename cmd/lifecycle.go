package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <sessionId>",
	Short: "Pause a working session",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := resolveRepo()
		if err != nil {
			return err
		}
		manager, err := newManager(repo)
		if err != nil {
			return err
		}
		record, err := manager.Pause(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Session %s is %s\n", record.SessionID, record.Status)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <sessionId>",
	Short: "Resume a paused session",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := resolveRepo()
		if err != nil {
			return err
		}
		manager, err := newManager(repo)
		if err != nil {
			return err
		}
		record, err := manager.Resume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Session %s is %s\n", record.SessionID, record.Status)
		return nil
	},
}

var forwardCmd = &cobra.Command{
	Use:   "forward <sessionId> <message...>",
	Short: "Forward a message to a running worker",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return &usageError{err: fmt.Errorf("forward: expected a session id and a message")}
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := resolveRepo()
		if err != nil {
			return err
		}
		manager, err := newManager(repo)
		if err != nil {
			return err
		}
		message := strings.Join(args[1:], " ")
		if _, err := manager.Forward(cmd.Context(), args[0], message); err != nil {
			return err
		}
		fmt.Printf("Message forwarded to session %s\n", args[0])
		return nil
	},
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <sessionId>",
	Short: "Record a worker heartbeat",
	Long: `Record a worker heartbeat. Workers invoke this from inside the working
copy; the exit output reports whether a forwarded message is waiting.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := resolveRepo()
		if err != nil {
			return err
		}
		manager, err := newManager(repo)
		if err != nil {
			return err
		}
		result, err := manager.Heartbeat(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if result.HasMessage {
			fmt.Println("heartbeat recorded; message waiting (run: ralphd ack)")
		} else {
			fmt.Println("heartbeat recorded")
		}
		return nil
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack <sessionId>",
	Short: "Acknowledge and clear a forwarded message",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := resolveRepo()
		if err != nil {
			return err
		}
		manager, err := newManager(repo)
		if err != nil {
			return err
		}
		if _, err := manager.AcknowledgeMessage(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("message acknowledged")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <sessionId>",
	Short: "Respawn the worker for an existing session",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := resolveRepo()
		if err != nil {
			return err
		}
		manager, err := newManager(repo)
		if err != nil {
			return err
		}
		record, err := manager.Restart(cmd.Context(), args[0], 0)
		if err != nil {
			return err
		}
		fmt.Printf("Session %s restarted (spawn %s)\n", record.SessionID, record.SpawnID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd, resumeCmd, forwardCmd, heartbeatCmd, ackCmd, restartCmd)
}
