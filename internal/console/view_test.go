package console

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/handoff-chat/handoff/internal/chat"
	"github.com/handoff-chat/handoff/internal/push"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []any
	closed int
}

func (c *fakeConn) Send(frame any) error {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fakeDialer struct {
	mu       sync.Mutex
	fail     error
	attempts int
	conns    []*fakeConn
	handlers []push.Handlers
}

func (d *fakeDialer) dial(_ context.Context, _ string, h push.Handlers) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.fail != nil {
		return nil, d.fail
	}
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	d.handlers = append(d.handlers, h)
	return conn, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) lastHandlers() push.Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[len(d.handlers)-1]
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type fakeHistory struct {
	mu    sync.Mutex
	msgs  []chat.Message
	calls int
}

func (h *fakeHistory) History(context.Context, string) ([]chat.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.msgs, nil
}

func openTestView(t *testing.T, d *fakeDialer, history Historian) *SessionView {
	t.Helper()
	v := NewSessionView(ViewConfig{
		SessionID: "sess-1",
		CompanyID: "acme",
		Self:      chat.SenderUser,
		SelfName:  "Dana",
		Endpoint:  "ws://push.test/chat/acme/sess-1/",
		Dial:      d.dial,
		History:   history,
	})
	v.retry = retryPolicy{base: 10 * time.Millisecond, cap: 20 * time.Millisecond, maxAttempts: 5}
	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return v
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendMessage_EchoCollapsesAgainstServerReport(t *testing.T) {
	d := &fakeDialer{}
	v := openTestView(t, d, nil)
	defer v.Close()

	if err := v.SendMessage("hello there"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got := d.lastConn().sent(); got != 1 {
		t.Fatalf("frames sent = %d, want 1", got)
	}
	if got := len(v.Messages()); got != 1 {
		t.Fatalf("timeline after send = %d entries, want 1 provisional echo", got)
	}

	// The server's report of the same send arrives over the push channel.
	d.lastHandlers().OnChatMessage(chat.Message{
		ID:        "m-100",
		Sender:    chat.SenderUser,
		Content:   "hello there",
		Timestamp: time.Now().UTC(),
	})

	msgs := v.Messages()
	if len(msgs) != 1 {
		t.Fatalf("timeline after server echo = %d entries, want 1", len(msgs))
	}
	if msgs[0].ID != "m-100" {
		t.Errorf("echo id = %q, want backfilled server id %q", msgs[0].ID, "m-100")
	}
}

func TestResync_CollapsesAgainstPushDeliveries(t *testing.T) {
	d := &fakeDialer{}
	hist := &fakeHistory{msgs: []chat.Message{
		{ID: "m-1", Sender: chat.SenderUser, Content: "hi"},
		{ID: "m-2", Sender: chat.SenderAgent, Content: "hello, how can I help?"},
	}}
	v := openTestView(t, d, hist)
	defer v.Close()

	// One of the history messages already arrived via push.
	d.lastHandlers().OnChatMessage(chat.Message{ID: "m-1", Sender: chat.SenderUser, Content: "hi"})

	if err := v.Resync(context.Background()); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if got := len(v.Messages()); got != 2 {
		t.Errorf("timeline after resync = %d entries, want 2", got)
	}

	// A second resync admits nothing new.
	if err := v.Resync(context.Background()); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if got := len(v.Messages()); got != 2 {
		t.Errorf("timeline after repeated resync = %d entries, want 2", got)
	}
}

func TestFileShared_GatesAttachmentIntoTimeline(t *testing.T) {
	d := &fakeDialer{}
	v := openTestView(t, d, nil)
	defer v.Close()

	if got := len(v.Messages()); got != 0 {
		t.Fatalf("timeline before file_shared = %d entries, want 0", got)
	}

	att := chat.Attachment{ID: "a-1", Name: "invoice.pdf", URL: "https://files.test/a-1", Uploader: chat.SenderUser}
	d.lastHandlers().OnFileShared(att)

	msgs := v.Messages()
	if len(msgs) != 1 {
		t.Fatalf("timeline after file_shared = %d entries, want 1", len(msgs))
	}
	if msgs[0].Attachment == nil || msgs[0].Attachment.Name != "invoice.pdf" {
		t.Errorf("attachment entry = %+v, want invoice.pdf attachment", msgs[0])
	}

	// Redelivery of the same confirmation is suppressed.
	d.lastHandlers().OnFileShared(att)
	if got := len(v.Messages()); got != 1 {
		t.Errorf("timeline after redelivered file_shared = %d entries, want 1", got)
	}

	// A file_list answer repeats the known file and adds an older one.
	d.lastHandlers().OnFileList([]chat.Attachment{
		att,
		{ID: "a-0", Name: "older.png", URL: "https://files.test/a-0", Uploader: chat.SenderAgent},
	})
	if got := len(v.Messages()); got != 2 {
		t.Errorf("timeline after file_list = %d entries, want 2", got)
	}
}

func TestReconnect_OnTransportLoss(t *testing.T) {
	d := &fakeDialer{}
	v := openTestView(t, d, nil)
	defer v.Close()

	d.lastHandlers().OnClosed(&chat.TransportError{Endpoint: "ws://push.test", Err: errors.New("connection reset")})

	waitFor(t, func() bool { return d.dials() >= 2 }, "reconnect dial")

	// The replacement connection resets the attempt budget on establish.
	d.lastHandlers().OnEstablished("")
	v.mu.Lock()
	attempts := v.attempts
	v.mu.Unlock()
	if attempts != 0 {
		t.Errorf("attempts after establish = %d, want 0", attempts)
	}
}

func TestReconnect_StopsAfterClose(t *testing.T) {
	d := &fakeDialer{}
	v := openTestView(t, d, nil)

	handlers := d.lastHandlers()
	if err := v.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A transport-loss report racing the close must not redial.
	handlers.OnClosed(&chat.TransportError{Endpoint: "ws://push.test", Err: errors.New("late failure")})
	time.Sleep(50 * time.Millisecond)

	if got := d.dials(); got != 1 {
		t.Errorf("dials after close = %d, want 1", got)
	}
	if got := d.lastConn(); got.closed == 0 {
		t.Error("connection not closed on view close")
	}
}

func TestDeliberateClose_DoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	v := openTestView(t, d, nil)

	handlers := d.lastHandlers()
	v.Close()
	handlers.OnClosed(nil)
	time.Sleep(50 * time.Millisecond)

	if got := d.dials(); got != 1 {
		t.Errorf("dials after deliberate close = %d, want 1", got)
	}
}

func TestSendMessage_AfterCloseFails(t *testing.T) {
	d := &fakeDialer{}
	v := openTestView(t, d, nil)
	v.Close()

	if err := v.SendMessage("too late"); !errors.Is(err, chat.ErrViewClosed) {
		t.Errorf("SendMessage() after close error = %v, want ErrViewClosed", err)
	}
}

func TestOpen_DialFailureDoesNotRetry(t *testing.T) {
	d := &fakeDialer{fail: errors.New("connection refused")}
	v := NewSessionView(ViewConfig{
		SessionID: "sess-1",
		CompanyID: "acme",
		Self:      chat.SenderUser,
		Endpoint:  "ws://push.test/chat/acme/sess-1/",
		Dial:      d.dial,
	})
	v.retry = retryPolicy{base: 10 * time.Millisecond, cap: 20 * time.Millisecond, maxAttempts: 5}

	if err := v.Open(context.Background()); err == nil {
		t.Fatal("Open() succeeded with a failing dialer")
	}

	// A failed Open leaves nothing dialing in the background.
	time.Sleep(100 * time.Millisecond)
	if got := d.calls(); got != 1 {
		t.Errorf("dial attempts after failed Open = %d, want 1", got)
	}

	// The view is unmounted and can be opened again once the endpoint is back.
	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()
	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("Open() after recovery error = %v", err)
	}
	defer v.Close()
}

func TestRetryPolicy_DelayBounds(t *testing.T) {
	p := defaultRetryPolicy()

	for attempt := 1; attempt <= 10; attempt++ {
		d := p.delay(attempt)
		if d < p.base/2 {
			t.Errorf("delay(%d) = %v, below half the base delay", attempt, d)
		}
		if d > p.cap {
			t.Errorf("delay(%d) = %v, above cap %v", attempt, d, p.cap)
		}
	}

	// Early attempts stay near the base, not the cap.
	if d := p.delay(1); d > p.base {
		t.Errorf("delay(1) = %v, want <= %v", d, p.base)
	}
}

func TestReconnect_GivesUpAfterBudget(t *testing.T) {
	d := &fakeDialer{}
	v := openTestView(t, d, nil)
	defer v.Close()

	// Make every redial fail.
	d.mu.Lock()
	d.fail = errors.New("endpoint gone")
	d.mu.Unlock()

	d.lastHandlers().OnClosed(&chat.TransportError{Endpoint: "ws://push.test", Err: errors.New("reset")})

	waitFor(t, func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.attempts > v.retry.maxAttempts
	}, "retry budget exhaustion")

	// The dial count stops growing once the budget is spent.
	stable := d.dials()
	time.Sleep(100 * time.Millisecond)
	if got := d.dials(); got != stable {
		t.Errorf("dials kept growing after budget: %d -> %d", stable, got)
	}
}
