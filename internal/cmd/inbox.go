package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/handoff-chat/handoff/internal/console"
	"github.com/handoff-chat/handoff/internal/logging"
	"github.com/handoff-chat/handoff/internal/tenant"
)

// inboxCmd represents the inbox command
var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Watch the live queue and your assignments",
	Long: `Watch the live queue and your assignments.

Keeps a push connection on your agent channel and re-prints the waiting
queue whenever it changes. Press Ctrl-C to leave.`,
	RunE: runInbox,
}

func init() {
	rootCmd.AddCommand(inboxCmd)
}

func runInbox(cmd *cobra.Command, args []string) error {
	actor, err := buildActor()
	if err != nil {
		return err
	}
	if actor.Scope.Role == tenant.RoleUser {
		return fmt.Errorf("the inbox is an agent surface")
	}

	ctrl, _, err := buildController()
	if err != nil {
		return err
	}

	endpoint, err := tenant.AgentEndpoint(cfg.Push.BaseURL, actor.ID, cfg.Auth.Token)
	if err != nil {
		return err
	}

	var inbox *console.AgentInbox
	inbox = console.NewAgentInbox(console.InboxConfig{
		AgentID:    actor.ID,
		Endpoint:   endpoint,
		Controller: ctrl,
		Logger:     logging.Console(),
		OnChange:   func() { printQueue(inbox) },
	})

	if err := inbox.Open(cmd.Context()); err != nil {
		return fmt.Errorf("failed to open inbox channel: %w", err)
	}
	defer inbox.Close()

	printQueue(inbox)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-cmd.Context().Done():
	}
	return nil
}

func printQueue(inbox *console.AgentInbox) {
	sessions := inbox.Queue()
	if len(sessions) == 0 {
		fmt.Println("\nNo sessions waiting.")
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tUSER\tPRIORITY\tWAITING")
	for _, sess := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			sess.SessionID, sess.UserName, priorityMarker(sess.Priority), waitingFor(sess.CreatedAt))
	}
	w.Flush()
}
