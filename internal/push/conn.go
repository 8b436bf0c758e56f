package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/handoff-chat/handoff/internal/chat"
)

// State describes the lifecycle of a push-channel connection.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Config tunes the websocket connection.
type Config struct {
	// MaxMessageSize is the maximum size of an inbound frame in bytes.
	MaxMessageSize int64

	// PongWait is the time to wait for a pong response.
	PongWait time.Duration

	// PingPeriod is the interval between ping messages.
	// Should be less than PongWait.
	PingPeriod time.Duration

	// WriteWait is the time allowed to write a message.
	WriteWait time.Duration

	// SendBuffer is the size of the outbound frame buffer.
	SendBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 64 * 1024,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     256,
	}
}

// Option configures a connection.
type Option func(*Conn)

// WithLogger sets the logger for connection events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithConfig overrides the default websocket tuning.
func WithConfig(cfg Config) Option {
	return func(c *Conn) { c.cfg = cfg }
}

// Conn is one persistent push-channel connection. Inbound frames are
// decoded and dispatched to the Handlers from a single reader goroutine;
// outbound sends are fire-and-forget through a buffered channel.
//
// A Conn never reconnects itself: retry policy belongs to the owning
// view, which is the only party that knows whether the endpoint is still
// of interest. Close releases the underlying socket exactly once, even
// if called concurrently with a transport failure.
type Conn struct {
	endpoint string
	ws       *websocket.Conn
	send     chan []byte
	handlers Handlers
	logger   *slog.Logger
	cfg      Config

	mu    sync.Mutex
	state State

	cancel     context.CancelFunc
	closeOnce  sync.Once // releases the socket
	notifyOnce sync.Once // delivers OnClosed
}

// Dial opens a push-channel connection to the given endpoint URL
// (ws:// or wss://, as built by the tenant guard). On failure the
// returned error is a *chat.TransportError.
func Dial(ctx context.Context, endpoint string, handlers Handlers, opts ...Option) (*Conn, error) {
	c := &Conn{
		endpoint: endpoint,
		handlers: handlers,
		cfg:      DefaultConfig(),
		state:    StateConnecting,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.setState(StateClosed)
		return nil, &chat.TransportError{Endpoint: endpoint, Err: err}
	}

	ws.SetReadLimit(c.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	c.ws = ws
	c.send = make(chan []byte, c.cfg.SendBuffer)
	c.setState(StateOpen)

	connCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.writePump(connCtx)
	go c.readLoop()

	return c, nil
}

// Endpoint returns the URL this connection was dialed against.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Send queues an outbound frame. Sends are fire-and-forget: if the
// buffer is full the frame is dropped with a warning, and no
// acknowledgement is awaited.
func (c *Conn) Send(frame any) error {
	if c.State() != StateOpen {
		return &chat.TransportError{Endpoint: c.endpoint, Err: errConnClosed}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("push send buffer full, dropping frame", "endpoint", c.endpoint)
	}
	return nil
}

// Close tears down the connection. Safe to call multiple times and
// concurrently with a transport-side close; the socket is released
// exactly once and OnClosed fires exactly once (with a nil error for a
// deliberate close).
func (c *Conn) Close() error {
	c.notifyClosed(nil)
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		if c.cancel != nil {
			c.cancel()
		}
		err = c.ws.Close()
	})
	return err
}

// notifyClosed delivers the OnClosed callback at most once.
func (c *Conn) notifyClosed(err error) {
	c.notifyOnce.Do(func() {
		if c.handlers.OnClosed != nil {
			c.handlers.OnClosed(err)
		}
	})
}

// readLoop reads inbound frames until the connection dies. Malformed
// frames are logged and dropped without closing the connection.
func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		if err := c.handlers.dispatch(data); err != nil {
			c.logger.Warn("dropping malformed push frame", "endpoint", c.endpoint, "error", err)
		}
	}
}

// teardown handles a transport-side close: release the socket and tell
// the owner. If Close() already ran, the nil notification won and this
// is a no-op.
func (c *Conn) teardown(err error) {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		if c.cancel != nil {
			c.cancel()
		}
		c.ws.Close()
	})
	c.setState(StateClosed)
	c.notifyClosed(&chat.TransportError{Endpoint: c.endpoint, Err: err})
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

var errConnClosed = errors.New("connection closed")
