package cmd

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/handoff-chat/handoff/internal/chat"
	"github.com/handoff-chat/handoff/internal/console"
	"github.com/handoff-chat/handoff/internal/logging"
	"github.com/handoff-chat/handoff/internal/tenant"
	"github.com/handoff-chat/handoff/internal/upload"
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat <session-id>",
	Short: "Open an interactive chat on a session",
	Long: `Open an interactive chat on a session.

Messages you type are sent over the push channel. Slash commands:

  /file <path>   upload a file attachment
  /files         list the files shared in this session
  /typing        signal that you are typing
  /done          resolve the session and exit
  /quit          leave the chat (the session stays open)`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	ctrl, client, err := buildController()
	if err != nil {
		return err
	}
	actor, err := buildActor()
	if err != nil {
		return err
	}

	// Seed the lifecycle projection so implicit activation has a base state.
	if _, err := ctrl.Refresh(cmd.Context(), sessionID); err != nil {
		return err
	}

	endpoint, err := cfg.Scope().ChatEndpoint(cfg.Push.BaseURL, sessionID, cfg.Auth.Token)
	if err != nil {
		return err
	}

	self := chat.SenderAgent
	if actor.Scope.Role == tenant.RoleUser {
		self = chat.SenderUser
	}

	logger := logging.WithSession(logging.Console(), sessionID, cfg.Tenant.CompanyID)
	renderer := newRenderer(self)
	pipeline := upload.New(client, logging.Upload())

	var view *console.SessionView
	view = console.NewSessionView(console.ViewConfig{
		SessionID:  sessionID,
		CompanyID:  cfg.Tenant.CompanyID,
		Self:       self,
		SelfName:   actor.Name,
		Endpoint:   endpoint,
		History:    client,
		Controller: ctrl,
		Uploads:    pipeline,
		Logger:     logger,
		OnChange:   func() { renderer.render(view.Messages()) },
	})

	if err := view.Open(cmd.Context()); err != nil {
		return fmt.Errorf("failed to open push channel: %w", err)
	}
	defer view.Close()

	fmt.Printf("Connected to session %s. Type a message, or /quit to leave.\n", sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return nil

		case line == "/done":
			if _, err := ctrl.Complete(cmd.Context(), sessionID); err != nil {
				fmt.Printf("could not resolve session: %v\n", describeTransitionError(err))
				continue
			}
			fmt.Println("Session resolved.")
			return nil

		case line == "/files":
			if err := view.RequestFileList(); err != nil {
				fmt.Printf("could not request file list: %v\n", err)
			}

		case line == "/typing":
			view.SignalTyping()

		case strings.HasPrefix(line, "/file "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/file "))
			if err := uploadFile(cmd.Context(), view, path); err != nil {
				fmt.Printf("upload failed: %v\n", err)
			} else {
				fmt.Printf("uploaded %s; it will appear once the server confirms it\n", filepath.Base(path))
			}

		default:
			if err := view.SendMessage(line); err != nil {
				fmt.Printf("could not send message: %v\n", err)
			}
		}
	}
}

// uploadFile runs one local file through the view's upload pipeline.
func uploadFile(ctx context.Context, view *console.SessionView, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = view.UploadFile(ctx, filepath.Base(path),
		mime.TypeByExtension(filepath.Ext(path)), info.Size(), f)
	return err
}

// renderer prints timeline entries as they are admitted, skipping ones
// already shown.
type renderer struct {
	self chat.SenderKind

	mu      sync.Mutex
	printed int
}

func newRenderer(self chat.SenderKind) *renderer {
	return &renderer{self: self}
}

func (r *renderer) render(msgs []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ; r.printed < len(msgs); r.printed++ {
		msg := msgs[r.printed]
		if msg.Sender == r.self {
			continue
		}
		name := msg.SenderName
		if name == "" {
			name = string(msg.Sender)
		}
		if msg.Attachment != nil {
			fmt.Printf("\n[%s] shared %s (%s)\n> ", name, msg.Attachment.Name, msg.Attachment.URL)
			continue
		}
		fmt.Printf("\n[%s] %s\n> ", name, msg.Content)
	}
}
