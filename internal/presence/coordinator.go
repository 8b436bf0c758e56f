// Package presence tracks transient, non-persisted state derived from
// push-channel events: who is online and who is typing. Records expire;
// nothing here ever reaches storage.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/handoff-chat/handoff/internal/chat"
)

const (
	// TypingTTL is how long a typing indicator stays alive after the
	// last signal. Expired indicators are dropped, not retried.
	TypingTTL = time.Second

	// typingEmitInterval is the minimum spacing between outbound
	// typing_indicator frames. A second keystroke inside the window
	// re-arms the local expiry instead of emitting again.
	typingEmitInterval = time.Second

	// OnlineTTL is how long an online record lives without a refresh.
	OnlineTTL = 90 * time.Second
)

// Kind distinguishes the two presence record flavors.
type Kind string

const (
	KindOnline Kind = "online"
	KindTyping Kind = "typing"
)

// Record is one transient presence fact.
type Record struct {
	Subject   string
	Kind      Kind
	ExpiresAt time.Time
}

// Emitter sends outbound typing signals on the push channel.
type Emitter interface {
	SendTyping(isTyping bool) error
}

// Coordinator tracks presence for one session view. Indicators from the
// view's own role are ignored so a client never echoes its own typing
// state back to itself. It is safe for concurrent use.
type Coordinator struct {
	self    chat.SenderKind
	emitter Emitter
	logger  *slog.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	records map[string]Record

	// now is the time source, injectable for tests.
	now func() time.Time
}

// New creates a coordinator for a view acting as the given sender kind.
func New(self chat.SenderKind, emitter Emitter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		self:    self,
		emitter: emitter,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(typingEmitInterval), 1),
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// SignalTyping reports local typing activity. The first call emits a
// typing_indicator frame; calls inside the debounce window only re-arm
// the local expiry. Fire-and-forget: emit failures are logged, never
// surfaced.
func (c *Coordinator) SignalTyping() {
	c.touch(string(c.self), KindTyping, TypingTTL)

	if !c.limiter.Allow() {
		return
	}
	if c.emitter == nil {
		return
	}
	if err := c.emitter.SendTyping(true); err != nil {
		c.logger.Debug("typing signal dropped", "error", err)
	}
}

// Observe applies an inbound typing_indicator event. Events from the
// view's own role are ignored.
func (c *Coordinator) Observe(sender chat.SenderKind, isTyping bool) {
	if sender == c.self {
		return
	}

	if !isTyping {
		c.mu.Lock()
		delete(c.records, key(string(sender), KindTyping))
		c.mu.Unlock()
		return
	}
	c.touch(string(sender), KindTyping, TypingTTL)
}

// SetOnline records (or clears) an online presence fact for a subject,
// typically derived from agent_joined and session_update events.
func (c *Coordinator) SetOnline(subject string, online bool) {
	if !online {
		c.mu.Lock()
		delete(c.records, key(subject, KindOnline))
		c.mu.Unlock()
		return
	}
	c.touch(subject, KindOnline, OnlineTTL)
}

// Typing reports whether the given sender kind is currently typing.
func (c *Coordinator) Typing(sender chat.SenderKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key(string(sender), KindTyping)]
	return ok && rec.ExpiresAt.After(c.now())
}

// Snapshot returns the live records; expired ones are dropped on the way
// out and never returned.
func (c *Coordinator) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]Record, 0, len(c.records))
	for k, rec := range c.records {
		if !rec.ExpiresAt.After(now) {
			delete(c.records, k)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (c *Coordinator) touch(subject string, kind Kind, ttl time.Duration) {
	c.mu.Lock()
	c.records[key(subject, kind)] = Record{
		Subject:   subject,
		Kind:      kind,
		ExpiresAt: c.now().Add(ttl),
	}
	c.mu.Unlock()
}

func key(subject string, kind Kind) string {
	return subject + "/" + string(kind)
}
