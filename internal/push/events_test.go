package push

import (
	"testing"
	"time"

	"github.com/handoff-chat/handoff/internal/chat"
)

func TestDispatch_ChatMessage(t *testing.T) {
	var got chat.Message
	h := Handlers{OnChatMessage: func(m chat.Message) { got = m }}

	frame := `{"type":"chat_message","message_id":"m7","message":"Hi","sender_type":"user","sender_name":"Ana","timestamp":"2024-03-01T10:00:00Z"}`
	if err := h.dispatch([]byte(frame)); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}

	if got.ID != "m7" || got.Content != "Hi" || got.Sender != chat.SenderUser {
		t.Errorf("unexpected message: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not parsed")
	}
}

func TestDispatch_ChatMessageCarriesSessionID(t *testing.T) {
	var got chat.Message
	h := Handlers{OnChatMessage: func(m chat.Message) { got = m }}

	// Agent-inbox frames name the session so previews can be routed.
	frame := `{"type":"chat_message","message_id":"m8","session_id":"s-42","message":"still there?","sender_type":"user"}`
	if err := h.dispatch([]byte(frame)); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if got.SessionID != "s-42" {
		t.Errorf("SessionID = %q, want %q", got.SessionID, "s-42")
	}
}

func TestDispatch_ChatMessageWithInlineFile(t *testing.T) {
	var got chat.Message
	h := Handlers{OnChatMessage: func(m chat.Message) { got = m }}

	frame := `{"type":"chat_message","message":"","sender_type":"agent","file_url":"https://cdn/x.pdf","file_name":"x.pdf"}`
	if err := h.dispatch([]byte(frame)); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if got.Attachment == nil {
		t.Fatal("inline file reference not decoded")
	}
	if got.Attachment.URL != "https://cdn/x.pdf" || got.Attachment.Name != "x.pdf" {
		t.Errorf("unexpected attachment: %+v", got.Attachment)
	}
}

func TestDispatch_TypingIndicator(t *testing.T) {
	var sender chat.SenderKind
	var typing bool
	h := Handlers{OnTyping: func(s chat.SenderKind, v bool) { sender, typing = s, v }}

	if err := h.dispatch([]byte(`{"type":"typing_indicator","is_typing":true,"sender_type":"user"}`)); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if sender != chat.SenderUser || !typing {
		t.Errorf("got sender=%s typing=%v", sender, typing)
	}
}

func TestDispatch_FileShared(t *testing.T) {
	var got chat.Attachment
	h := Handlers{OnFileShared: func(a chat.Attachment) { got = a }}

	frame := `{"type":"file_shared","id":"f1","name":"report.pdf","url":"https://cdn/report.pdf","uploader":"agent","mime_type":"application/pdf","size":1024}`
	if err := h.dispatch([]byte(frame)); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if got.ID != "f1" || got.Uploader != chat.SenderAgent || got.Size != 1024 {
		t.Errorf("unexpected attachment: %+v", got)
	}
}

func TestDispatch_SessionAssigned(t *testing.T) {
	var got chat.Session
	h := Handlers{OnSessionAssigned: func(s chat.Session) { got = s }}

	frame := `{"type":"session_assigned","session_id":"s1","company_id":"acme","status":"assigned","assigned_agent":"agent-7"}`
	if err := h.dispatch([]byte(frame)); err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if got.SessionID != "s1" || got.Status != chat.StatusAssigned || got.AssignedAgent != "agent-7" {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestDispatch_MalformedFrame(t *testing.T) {
	called := false
	h := Handlers{OnChatMessage: func(chat.Message) { called = true }}

	if err := h.dispatch([]byte(`{not json`)); err == nil {
		t.Error("dispatch() of malformed frame should return an error")
	}
	if called {
		t.Error("no handler should fire for a malformed frame")
	}
}

func TestDispatch_UnknownTypeIgnored(t *testing.T) {
	h := Handlers{}
	if err := h.dispatch([]byte(`{"type":"future_thing","x":1}`)); err != nil {
		t.Errorf("dispatch() of unknown type should be ignored, got error %v", err)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		input    string
		wantZero bool
	}{
		{"", true},
		{"2024-03-01T10:00:00Z", false},
		{"10:00:00", false},
		{"not-a-time", true},
	}

	for _, tt := range tests {
		got := parseTimestamp(tt.input)
		if got.IsZero() != tt.wantZero {
			t.Errorf("parseTimestamp(%q).IsZero() = %v, want %v", tt.input, got.IsZero(), tt.wantZero)
		}
	}

	// Bare clock time is anchored to today.
	got := parseTimestamp("10:30:05")
	now := time.Now().UTC()
	if got.Year() != now.Year() || got.Hour() != 10 || got.Minute() != 30 || got.Second() != 5 {
		t.Errorf("parseTimestamp clock anchor wrong: %v", got)
	}
}

func TestOutboundFrames(t *testing.T) {
	f := ChatMessageFrame("hello", chat.SenderAgent, "Sam")
	if f["type"] != FrameChatMessage || f["message"] != "hello" || f["sender_type"] != "agent" {
		t.Errorf("unexpected chat frame: %v", f)
	}

	tf := TypingFrame(true, chat.SenderUser)
	if tf["type"] != FrameTypingIndicator || tf["is_typing"] != true {
		t.Errorf("unexpected typing frame: %v", tf)
	}

	rf := RequestFileListFrame("s1", "acme")
	if rf["session_id"] != "s1" || rf["company_id"] != "acme" {
		t.Errorf("unexpected file list request: %v", rf)
	}
}
