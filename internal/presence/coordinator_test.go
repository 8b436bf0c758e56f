package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/handoff-chat/handoff/internal/chat"
)

type captureEmitter struct {
	mu    sync.Mutex
	sends int
}

func (e *captureEmitter) SendTyping(bool) error {
	e.mu.Lock()
	e.sends++
	e.mu.Unlock()
	return nil
}

func (e *captureEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sends
}

func TestSignalTyping_Debounced(t *testing.T) {
	em := &captureEmitter{}
	c := New(chat.SenderAgent, em, nil)

	// Rapid keystrokes: only the first emits.
	c.SignalTyping()
	c.SignalTyping()
	c.SignalTyping()

	if got := em.count(); got != 1 {
		t.Errorf("emitted %d typing frames, want 1", got)
	}

	// The local record is armed regardless.
	if !c.Typing(chat.SenderAgent) {
		t.Error("local typing record not armed")
	}
}

func TestObserve_IgnoresOwnRole(t *testing.T) {
	c := New(chat.SenderAgent, nil, nil)

	c.Observe(chat.SenderAgent, true)
	if got := c.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot() after own-role event = %d records, want 0", len(got))
	}

	c.Observe(chat.SenderUser, true)
	if !c.Typing(chat.SenderUser) {
		t.Error("user typing indicator not recorded")
	}
}

func TestObserve_ClearOnStop(t *testing.T) {
	c := New(chat.SenderAgent, nil, nil)

	c.Observe(chat.SenderUser, true)
	c.Observe(chat.SenderUser, false)
	if c.Typing(chat.SenderUser) {
		t.Error("typing record should clear on is_typing=false")
	}
}

func TestTypingExpiry(t *testing.T) {
	c := New(chat.SenderAgent, nil, nil)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	c.Observe(chat.SenderUser, true)
	if !c.Typing(chat.SenderUser) {
		t.Fatal("typing record not set")
	}

	// Just before expiry it is still live.
	now = base.Add(900 * time.Millisecond)
	if !c.Typing(chat.SenderUser) {
		t.Error("typing record expired too early")
	}

	// ~1s after the last signal it is gone, and not retried.
	now = base.Add(1100 * time.Millisecond)
	if c.Typing(chat.SenderUser) {
		t.Error("typing record did not expire")
	}
	if got := c.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot() returned %d expired records, want 0", len(got))
	}
}

func TestOnlineRecords(t *testing.T) {
	c := New(chat.SenderUser, nil, nil)

	c.SetOnline("agent-7", true)
	records := c.Snapshot()
	if len(records) != 1 || records[0].Subject != "agent-7" || records[0].Kind != KindOnline {
		t.Errorf("Snapshot() = %+v, want one online record for agent-7", records)
	}

	c.SetOnline("agent-7", false)
	if got := c.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot() after offline = %d records, want 0", len(got))
	}
}
