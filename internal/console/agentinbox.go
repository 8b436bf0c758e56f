package console

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/handoff-chat/handoff/internal/chat"
	"github.com/handoff-chat/handoff/internal/lifecycle"
	"github.com/handoff-chat/handoff/internal/push"
)

// InboxConfig describes one agent inbox.
type InboxConfig struct {
	AgentID string

	// Endpoint is the per-agent push URL (from tenant.AgentEndpoint).
	Endpoint string

	Dial       DialFunc
	Controller *lifecycle.Controller
	Logger     *slog.Logger

	// OnChange, if set, is called after the queue projection changes.
	// Called from connection goroutines; must not block.
	OnChange func()
}

// AgentInbox keeps a live projection of the sessions relevant to one
// agent: the tenant's waiting queue plus assignments pushed directly to
// this agent. It reconnects the same way a session view does.
type AgentInbox struct {
	cfg    InboxConfig
	queue  *lifecycle.QueueProjection
	logger *slog.Logger
	retry  retryPolicy

	mu       sync.Mutex
	conn     Connection
	open     bool
	attempts int
	gen      int
	timer    *time.Timer
}

// NewAgentInbox creates an inbox. Open must be called before it is live.
func NewAgentInbox(cfg InboxConfig) *AgentInbox {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = PushDial(logger)
	}
	return &AgentInbox{
		cfg:    cfg,
		queue:  lifecycle.NewQueueProjection(),
		logger: logger,
		retry:  defaultRetryPolicy(),
	}
}

// Open mounts the inbox: dial the agent push endpoint and seed the queue
// projection from the pull channel.
func (in *AgentInbox) Open(ctx context.Context) error {
	in.mu.Lock()
	if in.open {
		in.mu.Unlock()
		return nil
	}
	in.open = true
	in.attempts = 0
	in.gen++
	gen := in.gen
	in.mu.Unlock()

	if err := in.reload(ctx); err != nil {
		in.logger.Warn("initial queue load failed", "agent_id", in.cfg.AgentID, "error", err)
	}
	if err := in.connect(ctx, gen, false); err != nil {
		in.mu.Lock()
		in.open = false
		in.mu.Unlock()
		return err
	}
	return nil
}

func (in *AgentInbox) connect(ctx context.Context, gen int, retry bool) error {
	conn, err := in.cfg.Dial(ctx, in.cfg.Endpoint, in.handlers(gen))
	if err != nil {
		in.logger.Warn("inbox dial failed",
			"agent_id", in.cfg.AgentID, "endpoint", in.cfg.Endpoint, "error", err)
		if retry {
			in.scheduleReconnect(gen)
		}
		return err
	}

	in.mu.Lock()
	if !in.open || in.gen != gen {
		in.mu.Unlock()
		conn.Close()
		return nil
	}
	in.conn = conn
	in.mu.Unlock()
	return nil
}

func (in *AgentInbox) handlers(gen int) push.Handlers {
	return push.Handlers{
		OnEstablished: func(string) {
			in.mu.Lock()
			in.attempts = 0
			in.mu.Unlock()
			in.logger.Info("inbox channel established", "agent_id", in.cfg.AgentID)
			// The push stream only reports changes from now on; re-pull
			// the queue to cover the gap.
			go in.reload(context.Background())
		},
		OnSessionAssigned: func(sess chat.Session) {
			in.observe(sess)
			in.logger.Info("session assigned",
				"session_id", sess.SessionID, "agent_id", in.cfg.AgentID)
		},
		OnSessionUpdate: func(sess chat.Session) {
			in.observe(sess)
		},
		OnChatMessage: func(msg chat.Message) {
			in.notePreview(msg)
		},
		OnError: func(message string) {
			in.logger.Warn("inbox channel error", "agent_id", in.cfg.AgentID, "message", message)
		},
		OnClosed: func(err error) {
			if err == nil {
				return
			}
			in.logger.Warn("inbox channel lost", "agent_id", in.cfg.AgentID, "error", err)
			in.scheduleReconnect(gen)
		},
	}
}

// notePreview applies a chat_message preview from the agent channel:
// the last-message snapshot and message count of the named session move
// without waiting for the next session_update.
func (in *AgentInbox) notePreview(msg chat.Message) {
	if msg.SessionID == "" || in.cfg.Controller == nil {
		return
	}
	in.cfg.Controller.NoteMessage(msg.SessionID, msg)
	sess, ok := in.cfg.Controller.Session(msg.SessionID)
	if !ok {
		return
	}
	in.queue.Upsert(sess)
	if in.cfg.OnChange != nil {
		in.cfg.OnChange()
	}
}

func (in *AgentInbox) observe(sess chat.Session) {
	if in.cfg.Controller != nil {
		in.cfg.Controller.Observe(sess)
	}
	in.queue.Upsert(sess)
	if in.cfg.OnChange != nil {
		in.cfg.OnChange()
	}
}

func (in *AgentInbox) scheduleReconnect(gen int) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.open || in.gen != gen {
		return
	}
	in.attempts++
	if in.attempts > in.retry.maxAttempts {
		in.logger.Error("inbox reconnect budget exhausted",
			"agent_id", in.cfg.AgentID, "attempts", in.retry.maxAttempts)
		return
	}

	delay := in.retry.delay(in.attempts)
	in.logger.Info("scheduling inbox reconnect",
		"agent_id", in.cfg.AgentID, "attempt", in.attempts, "delay", delay)
	in.timer = time.AfterFunc(delay, func() {
		in.mu.Lock()
		stale := !in.open || in.gen != gen
		in.mu.Unlock()
		if stale {
			return
		}
		in.connect(context.Background(), gen, true)
	})
}

// reload replaces the queue projection with the server's current view.
func (in *AgentInbox) reload(ctx context.Context) error {
	if in.cfg.Controller == nil {
		return nil
	}
	sessions, err := in.cfg.Controller.LoadQueue(ctx)
	if err != nil {
		return err
	}
	in.queue.Replace(sessions)
	if in.cfg.OnChange != nil {
		in.cfg.OnChange()
	}
	return nil
}

// Queue returns the waiting sessions in arrival order, oldest first.
func (in *AgentInbox) Queue() []chat.Session {
	return in.queue.Sorted()
}

// Close unmounts the inbox. Safe to call more than once.
func (in *AgentInbox) Close() error {
	in.mu.Lock()
	if !in.open {
		in.mu.Unlock()
		return nil
	}
	in.open = false
	in.gen++
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	conn := in.conn
	in.conn = nil
	in.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
