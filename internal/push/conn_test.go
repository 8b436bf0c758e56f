package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/handoff-chat/handoff/internal/chat"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// startPushServer runs a websocket server that sends the given frames to
// every client and then optionally keeps the connection open.
func startPushServer(t *testing.T, frames []string, keepOpen bool) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, f := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if keepOpen {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}
		ws.Close()
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_DeliversFrames(t *testing.T) {
	frames := []string{
		`{"type":"connection_established","message":"connected"}`,
		`{"type":"chat_message","message":"Hi","sender_type":"user","message_id":"m1"}`,
	}
	_, wsURL := startPushServer(t, frames, true)

	established := make(chan string, 1)
	messages := make(chan chat.Message, 1)
	conn, err := Dial(context.Background(), wsURL, Handlers{
		OnEstablished: func(m string) { established <- m },
		OnChatMessage: func(m chat.Message) { messages <- m },
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	select {
	case m := <-established:
		if m != "connected" {
			t.Errorf("established message = %q", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection_established")
	}

	select {
	case m := <-messages:
		if m.ID != "m1" || m.Content != "Hi" {
			t.Errorf("unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for chat_message")
	}

	if conn.State() != StateOpen {
		t.Errorf("State() = %s, want %s", conn.State(), StateOpen)
	}
}

func TestDial_Failure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/chat/acme/s1/", Handlers{})
	if err == nil {
		t.Fatal("Dial() against a dead endpoint should fail")
	}
	var te *chat.TransportError
	if !errors.As(err, &te) {
		t.Errorf("Dial() error = %T, want *chat.TransportError", err)
	}
}

func TestConn_MalformedFrameDoesNotCloseConnection(t *testing.T) {
	frames := []string{
		`{garbage`,
		`{"type":"chat_message","message":"still alive","sender_type":"user"}`,
	}
	_, wsURL := startPushServer(t, frames, true)

	messages := make(chan chat.Message, 1)
	conn, err := Dial(context.Background(), wsURL, Handlers{
		OnChatMessage: func(m chat.Message) { messages <- m },
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	select {
	case m := <-messages:
		if m.Content != "still alive" {
			t.Errorf("unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive the malformed frame")
	}
}

func TestConn_ServerCloseNotifiesOnce(t *testing.T) {
	_, wsURL := startPushServer(t, nil, false)

	var mu sync.Mutex
	var closedErrs []error
	done := make(chan struct{})
	conn, err := Dial(context.Background(), wsURL, Handlers{
		OnClosed: func(err error) {
			mu.Lock()
			closedErrs = append(closedErrs, err)
			mu.Unlock()
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for OnClosed")
	}

	// A late local Close must not notify a second time.
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(closedErrs) != 1 {
		t.Fatalf("OnClosed fired %d times, want 1", len(closedErrs))
	}
	var te *chat.TransportError
	if !errors.As(closedErrs[0], &te) {
		t.Errorf("OnClosed error = %T, want *chat.TransportError", closedErrs[0])
	}
	if conn.State() != StateClosed {
		t.Errorf("State() = %s, want %s", conn.State(), StateClosed)
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	_, wsURL := startPushServer(t, nil, true)

	var mu sync.Mutex
	calls := 0
	conn, err := Dial(context.Background(), wsURL, Handlers{
		OnClosed: func(error) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Close()
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("OnClosed fired %d times under concurrent Close, want 1", calls)
	}

	if err := conn.Send(TypingFrame(true, chat.SenderAgent)); err == nil {
		t.Error("Send() after Close should fail")
	}
}

func TestConn_SendReachesServer(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err == nil {
			received <- data
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, err := Dial(context.Background(), wsURL, Handlers{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Send(ChatMessageFrame("hello", chat.SenderAgent, "Sam")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case data := <-received:
		if !strings.Contains(string(data), `"message":"hello"`) {
			t.Errorf("server received %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for outbound frame")
	}
}
