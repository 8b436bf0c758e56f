// Package console hosts the client-side views: a SessionView bound to
// one chat session and an AgentInbox bound to one agent. Each view owns
// its push connection, its reconciled timeline and its transient state;
// closing the view tears all of it down.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/handoff-chat/handoff/internal/chat"
	"github.com/handoff-chat/handoff/internal/lifecycle"
	"github.com/handoff-chat/handoff/internal/presence"
	"github.com/handoff-chat/handoff/internal/push"
	"github.com/handoff-chat/handoff/internal/upload"
)

// Connection is the subset of the push connection a view drives.
type Connection interface {
	Send(frame any) error
	Close() error
}

// DialFunc opens a push connection. Views use push.Dial in production
// and a fake in tests.
type DialFunc func(ctx context.Context, endpoint string, handlers push.Handlers) (Connection, error)

// PushDial is the production DialFunc.
func PushDial(logger *slog.Logger) DialFunc {
	return func(ctx context.Context, endpoint string, handlers push.Handlers) (Connection, error) {
		return push.Dial(ctx, endpoint, handlers, push.WithLogger(logger))
	}
}

// retryPolicy is the reconnect schedule shared by both view kinds:
// exponential backoff from base, capped, with jitter, giving up after
// maxAttempts consecutive failures.
type retryPolicy struct {
	base        time.Duration
	cap         time.Duration
	maxAttempts int
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		base:        3 * time.Second,
		cap:         30 * time.Second,
		maxAttempts: 5,
	}
}

// delay returns the wait before attempt n (1-based), jittered into the
// upper half of the exponential step so simultaneous clients spread out.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cap {
			d = p.cap
			break
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Historian fetches session history over the pull channel (implemented
// by the api client).
type Historian interface {
	History(ctx context.Context, sessionID string) ([]chat.Message, error)
}

// ViewConfig describes one session view.
type ViewConfig struct {
	SessionID string
	CompanyID string

	// Self is the role this view speaks as, SelfName its display name.
	Self     chat.SenderKind
	SelfName string

	// Endpoint is the push-channel URL (from tenant.Scope.ChatEndpoint).
	Endpoint string

	Dial       DialFunc
	History    Historian
	Controller *lifecycle.Controller
	Uploads    *upload.Pipeline
	Logger     *slog.Logger

	// OnChange, if set, is called after the timeline or presence state
	// changes, so the caller can re-render. Called from connection
	// goroutines; must not block.
	OnChange func()
}

// SessionView binds one session to one push connection and reconciles
// everything the session produces: messages, typing, uploads, session
// state. While the view is open it reconnects on transport failure; a
// closed view never dials again.
type SessionView struct {
	cfg      ViewConfig
	timeline *chat.Timeline
	presence *presence.Coordinator
	logger   *slog.Logger
	retry    retryPolicy

	mu       sync.Mutex
	conn     Connection
	open     bool
	attempts int
	gen      int // bumped on Open/Close so stale retry timers die
	timer    *time.Timer
}

// NewSessionView creates a view. Open must be called before the view is
// live.
func NewSessionView(cfg ViewConfig) *SessionView {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = PushDial(logger)
	}
	v := &SessionView{
		cfg:      cfg,
		timeline: chat.NewTimeline(),
		logger:   logger,
		retry:    defaultRetryPolicy(),
	}
	v.presence = presence.New(cfg.Self, v, logger)
	return v
}

// Open mounts the view: dial the push endpoint and start reconciling.
func (v *SessionView) Open(ctx context.Context) error {
	v.mu.Lock()
	if v.open {
		v.mu.Unlock()
		return nil
	}
	v.open = true
	v.attempts = 0
	v.gen++
	gen := v.gen
	v.mu.Unlock()

	if err := v.connect(ctx, gen, false); err != nil {
		// The view never mounted; leave nothing dialing in the background.
		v.mu.Lock()
		v.open = false
		v.mu.Unlock()
		return err
	}
	return nil
}

// connect dials once. On the retry path a failed dial schedules the next
// attempt; on the initial Open the error is the caller's to handle.
func (v *SessionView) connect(ctx context.Context, gen int, retry bool) error {
	conn, err := v.cfg.Dial(ctx, v.cfg.Endpoint, v.handlers(gen))
	if err != nil {
		v.logger.Warn("push dial failed",
			"session_id", v.cfg.SessionID, "endpoint", v.cfg.Endpoint, "error", err)
		if retry {
			v.scheduleReconnect(gen)
		}
		return err
	}

	v.mu.Lock()
	if !v.open || v.gen != gen {
		// Closed while dialing.
		v.mu.Unlock()
		conn.Close()
		return nil
	}
	v.conn = conn
	v.mu.Unlock()
	return nil
}

func (v *SessionView) handlers(gen int) push.Handlers {
	return push.Handlers{
		OnEstablished: func(string) {
			v.mu.Lock()
			v.attempts = 0
			v.mu.Unlock()
			v.logger.Info("push channel established", "session_id", v.cfg.SessionID)
			go v.Resync(context.Background())
		},
		OnChatMessage: func(msg chat.Message) {
			v.admit(msg)
		},
		OnSystemMessage: func(msg chat.Message) {
			v.admit(msg)
		},
		OnTyping: func(sender chat.SenderKind, isTyping bool) {
			v.presence.Observe(sender, isTyping)
			v.changed()
		},
		OnFileShared: func(att chat.Attachment) {
			v.admit(att.AsMessage())
		},
		OnFileList: func(files []chat.Attachment) {
			// Attachment history answer; duplicates of already-confirmed
			// shares collapse in the reconciler.
			for _, att := range files {
				v.admit(att.AsMessage())
			}
		},
		OnAgentJoined: func(agentName string) {
			v.presence.SetOnline(agentName, true)
			v.admit(chat.Message{
				Sender:  chat.SenderSystem,
				Content: agentName + " joined the chat",
			})
		},
		OnSessionUpdate: func(sess chat.Session) {
			if v.cfg.Controller != nil {
				v.cfg.Controller.Observe(sess)
			}
			v.changed()
		},
		OnError: func(message string) {
			v.logger.Warn("push channel error", "session_id", v.cfg.SessionID, "message", message)
		},
		OnClosed: func(err error) {
			if err == nil {
				return
			}
			v.logger.Warn("push channel lost",
				"session_id", v.cfg.SessionID, "error", err)
			v.scheduleReconnect(gen)
		},
	}
}

// admit merges one message into the timeline and propagates the side
// effects of an admitted entry.
func (v *SessionView) admit(msg chat.Message) {
	if !v.timeline.Merge(msg) {
		return
	}
	if v.cfg.Controller != nil {
		v.cfg.Controller.NoteMessage(v.cfg.SessionID, msg)
	}
	v.changed()
}

func (v *SessionView) changed() {
	if v.cfg.OnChange != nil {
		v.cfg.OnChange()
	}
}

// scheduleReconnect arms the next dial attempt. Gives up after the
// policy's attempt budget; a later deliberate Open starts fresh.
func (v *SessionView) scheduleReconnect(gen int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.open || v.gen != gen {
		return
	}
	v.attempts++
	if v.attempts > v.retry.maxAttempts {
		v.logger.Error("push channel reconnect budget exhausted",
			"session_id", v.cfg.SessionID, "attempts", v.retry.maxAttempts)
		return
	}

	delay := v.retry.delay(v.attempts)
	v.logger.Info("scheduling push reconnect",
		"session_id", v.cfg.SessionID, "attempt", v.attempts, "delay", delay)
	v.timer = time.AfterFunc(delay, func() {
		v.mu.Lock()
		stale := !v.open || v.gen != gen
		v.mu.Unlock()
		if stale {
			return
		}
		v.connect(context.Background(), gen, true)
	})
}

// Resync replays pull-channel history through the reconciler, filling
// whatever the push channel missed while the connection was down.
// Duplicates collapse, so calling it after every reconnect is safe.
func (v *SessionView) Resync(ctx context.Context) error {
	if v.cfg.History == nil {
		return nil
	}
	msgs, err := v.cfg.History.History(ctx, v.cfg.SessionID)
	if err != nil {
		v.logger.Warn("history resync failed",
			"session_id", v.cfg.SessionID, "error", err)
		return err
	}
	if added := v.timeline.MergeAll(msgs); added > 0 {
		v.logger.Debug("history resync admitted messages",
			"session_id", v.cfg.SessionID, "added", added)
		v.changed()
	}
	return nil
}

// SendMessage sends a chat message over the push channel and records a
// provisional local echo. The echo collapses against the server's
// report of the same send when it arrives.
func (v *SessionView) SendMessage(content string) error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send message: %w", chat.ErrViewClosed)
	}

	if err := conn.Send(push.ChatMessageFrame(content, v.cfg.Self, v.cfg.SelfName)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	v.admit(chat.Message{
		Sender:     v.cfg.Self,
		SenderName: v.cfg.SelfName,
		Content:    content,
		Timestamp:  time.Now().UTC(),
	})
	return nil
}

// SendTyping implements presence.Emitter.
func (v *SessionView) SendTyping(isTyping bool) error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return chat.ErrViewClosed
	}
	return conn.Send(push.TypingFrame(isTyping, v.cfg.Self))
}

// SignalTyping reports local keystrokes; emission is debounced by the
// presence coordinator.
func (v *SessionView) SignalTyping() {
	v.presence.SignalTyping()
}

// RequestFileList asks the server for the session's shared files; the
// answer arrives as a file_list push frame.
func (v *SessionView) RequestFileList() error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("request file list: %w", chat.ErrViewClosed)
	}
	return conn.Send(push.RequestFileListFrame(v.cfg.SessionID, v.cfg.CompanyID))
}

// UploadFile runs one attachment through the upload pipeline. The
// attachment shows up in the timeline only once the server confirms it
// with a file_shared event.
func (v *SessionView) UploadFile(ctx context.Context, name, mimeType string, size int64, content io.Reader) (upload.Handle, error) {
	if v.cfg.Uploads == nil {
		return upload.Handle{}, fmt.Errorf("upload %s: %w", name, chat.ErrViewClosed)
	}
	return v.cfg.Uploads.Upload(ctx, upload.Request{
		SessionID: v.cfg.SessionID,
		Uploader:  v.cfg.Self,
		Name:      name,
		MimeType:  mimeType,
		Size:      size,
		Content:   content,
	})
}

// Messages returns the reconciled timeline in render order.
func (v *SessionView) Messages() []chat.Message {
	return v.timeline.Messages()
}

// Presence returns the view's presence coordinator.
func (v *SessionView) Presence() *presence.Coordinator {
	return v.presence
}

// Uploads returns the view's upload pipeline, if any.
func (v *SessionView) Uploads() *upload.Pipeline {
	return v.cfg.Uploads
}

// Close unmounts the view: stop reconnecting, release the connection.
// The timeline stays readable; in-flight upload results are discarded by
// their pipeline. Safe to call more than once.
func (v *SessionView) Close() error {
	v.mu.Lock()
	if !v.open {
		v.mu.Unlock()
		return nil
	}
	v.open = false
	v.gen++
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	conn := v.conn
	v.conn = nil
	v.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
