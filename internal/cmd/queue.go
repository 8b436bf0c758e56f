package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/handoff-chat/handoff/internal/chat"
)

// queueCmd represents the queue parent command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work with the waiting-session queue",
	Long: `Work with the tenant's waiting-session queue.

Sessions are listed in arrival order, oldest first. Priority markers are
informational only and never change a session's position.`,
}

// queueListCmd represents the queue list subcommand
var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued sessions in arrival order",
	RunE:  runQueueList,
}

// acceptCmd represents the accept command
var acceptCmd = &cobra.Command{
	Use:   "accept <session-id>",
	Short: "Accept a queued session (self-assign)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccept,
}

var assignAgentID string

// assignCmd represents the assign command
var assignCmd = &cobra.Command{
	Use:   "assign <session-id>",
	Short: "Assign a queued session to a specific agent (admin only)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssign,
}

// completeCmd represents the complete command
var completeCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Resolve a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runComplete,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(assignCmd)
	rootCmd.AddCommand(completeCmd)

	assignCmd.Flags().StringVar(&assignAgentID, "agent", "", "Agent to assign the session to (required)")
	assignCmd.MarkFlagRequired("agent")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctrl, _, err := buildController()
	if err != nil {
		return err
	}

	sessions, err := ctrl.LoadQueue(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions waiting.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tUSER\tPRIORITY\tWAITING\tLAST MESSAGE")
	for _, sess := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			sess.SessionID, sess.UserName, priorityMarker(sess.Priority),
			waitingFor(sess.CreatedAt), truncate(sess.LastMessage, 48))
	}
	return w.Flush()
}

func runAccept(cmd *cobra.Command, args []string) error {
	ctrl, _, err := buildController()
	if err != nil {
		return err
	}

	sess, err := ctrl.Accept(cmd.Context(), args[0])
	if err != nil {
		return describeTransitionError(err)
	}
	fmt.Printf("Accepted session %s (user: %s). Run 'handoff chat %s' to start chatting.\n",
		sess.SessionID, sess.UserName, sess.SessionID)
	return nil
}

func runAssign(cmd *cobra.Command, args []string) error {
	ctrl, _, err := buildController()
	if err != nil {
		return err
	}

	sess, err := ctrl.Assign(cmd.Context(), args[0], assignAgentID)
	if err != nil {
		return describeTransitionError(err)
	}
	fmt.Printf("Assigned session %s to %s.\n", sess.SessionID, sess.AssignedAgent)
	return nil
}

func runComplete(cmd *cobra.Command, args []string) error {
	ctrl, _, err := buildController()
	if err != nil {
		return err
	}

	sess, err := ctrl.Complete(cmd.Context(), args[0])
	if err != nil {
		return describeTransitionError(err)
	}
	fmt.Printf("Session %s resolved.\n", sess.SessionID)
	return nil
}

// describeTransitionError turns lifecycle failures into actionable CLI
// messages instead of raw error chains.
func describeTransitionError(err error) error {
	var conflict *chat.ConflictError
	if errors.As(err, &conflict) {
		if conflict.Current != nil && conflict.Current.AssignedAgent != "" {
			return fmt.Errorf("session %s was already taken by %s",
				conflict.SessionID, conflict.Current.AssignedAgent)
		}
		return fmt.Errorf("session %s changed concurrently: %s", conflict.SessionID, conflict.Message)
	}

	var violation *chat.TenantViolationError
	if errors.As(err, &violation) {
		return fmt.Errorf("the server rejected the request as a cross-tenant access: %s", violation.Message)
	}

	return err
}

// priorityMarker renders the display-only priority column.
func priorityMarker(p chat.Priority) string {
	switch p {
	case chat.PriorityHigh:
		return "high!"
	case chat.PriorityMedium:
		return "medium"
	case chat.PriorityLow:
		return "low"
	default:
		return "-"
	}
}

func waitingFor(createdAt time.Time) string {
	if createdAt.IsZero() {
		return "-"
	}
	d := time.Since(createdAt).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
