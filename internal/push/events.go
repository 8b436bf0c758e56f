// Package push implements the push-channel client: one persistent
// websocket connection per (tenant, session) or (tenant, agent) pair,
// with typed JSON frames in both directions.
package push

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/handoff-chat/handoff/internal/chat"
)

// Frame type discriminators used on the wire.
const (
	FrameChatMessage           = "chat_message"
	FrameTypingIndicator       = "typing_indicator"
	FrameSystemMessage         = "system_message"
	FrameFileShared            = "file_shared"
	FrameFileList              = "file_list"
	FrameAgentJoined           = "agent_joined"
	FrameSessionUpdate         = "session_update"
	FrameSessionAssigned       = "session_assigned"
	FrameRequestFileList       = "request_file_list"
	FrameError                 = "error"
	FrameConnectionEstablished = "connection_established"
)

// Handlers bundles callbacks for decoded inbound frames.
// All callbacks are optional; nil callbacks are ignored. Callbacks for a
// given connection are invoked sequentially from a single reader
// goroutine, never in parallel.
type Handlers struct {
	// OnEstablished is called when the server acknowledges the connection.
	OnEstablished func(message string)

	// OnChatMessage is called for user/agent/bot chat messages.
	OnChatMessage func(msg chat.Message)

	// OnTyping is called for typing indicator changes.
	OnTyping func(sender chat.SenderKind, isTyping bool)

	// OnSystemMessage is called for server-originated notices.
	OnSystemMessage func(msg chat.Message)

	// OnFileShared is called when an attachment upload is confirmed.
	OnFileShared func(att chat.Attachment)

	// OnFileList is called in response to a request_file_list frame.
	OnFileList func(files []chat.Attachment)

	// OnAgentJoined is called when a human agent joins the session.
	OnAgentJoined func(agentName string)

	// OnSessionUpdate is called when session metadata changes.
	OnSessionUpdate func(sess chat.Session)

	// OnSessionAssigned is called on the agent inbox channel when a
	// session is assigned to this agent.
	OnSessionAssigned func(sess chat.Session)

	// OnError is called for server-reported errors.
	OnError func(message string)

	// OnClosed is called exactly once when the connection closes, with
	// the transport error (nil for a deliberate local close).
	OnClosed func(err error)
}

// envelope is the minimal frame shape needed to dispatch on type.
type envelope struct {
	Type string `json:"type"`
}

// chatMessageFrame is the wire shape of a chat_message frame. SessionID
// is only set on multi-session channels (the agent inbox); per-session
// channels leave it empty.
type chatMessageFrame struct {
	MessageID  string `json:"message_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Message    string `json:"message"`
	SenderType string `json:"sender_type"`
	SenderName string `json:"sender_name,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	FileURL    string `json:"file_url,omitempty"`
	FileName   string `json:"file_name,omitempty"`
}

type typingFrame struct {
	IsTyping   bool   `json:"is_typing"`
	SenderType string `json:"sender_type"`
}

type systemMessageFrame struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

type fileListFrame struct {
	Files []chat.Attachment `json:"files"`
}

type agentJoinedFrame struct {
	AgentName string `json:"agent_name"`
	Message   string `json:"message,omitempty"`
}

type textFrame struct {
	Message string `json:"message"`
}

// dispatch decodes one inbound frame and invokes the matching handler.
// Unknown frame types are ignored; malformed frames return an error so
// the caller can log and drop them without closing the connection.
func (h *Handlers) dispatch(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode frame envelope: %w", err)
	}

	switch env.Type {
	case FrameConnectionEstablished:
		var f textFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if h.OnEstablished != nil {
			h.OnEstablished(f.Message)
		}

	case FrameChatMessage:
		var f chatMessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if h.OnChatMessage != nil {
			h.OnChatMessage(f.asMessage())
		}

	case FrameTypingIndicator:
		var f typingFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if h.OnTyping != nil {
			h.OnTyping(chat.SenderKind(f.SenderType), f.IsTyping)
		}

	case FrameSystemMessage:
		var f systemMessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if h.OnSystemMessage != nil {
			h.OnSystemMessage(chat.Message{
				Sender:    chat.SenderSystem,
				Content:   f.Message,
				Timestamp: parseTimestamp(f.Timestamp),
			})
		}

	case FrameFileShared:
		var att chat.Attachment
		if err := json.Unmarshal(data, &att); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if h.OnFileShared != nil {
			h.OnFileShared(att)
		}

	case FrameFileList:
		var f fileListFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if h.OnFileList != nil {
			h.OnFileList(f.Files)
		}

	case FrameAgentJoined:
		var f agentJoinedFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if h.OnAgentJoined != nil {
			h.OnAgentJoined(f.AgentName)
		}

	case FrameSessionUpdate, FrameSessionAssigned:
		var sess chat.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if env.Type == FrameSessionAssigned {
			if h.OnSessionAssigned != nil {
				h.OnSessionAssigned(sess)
			}
		} else if h.OnSessionUpdate != nil {
			h.OnSessionUpdate(sess)
		}

	case FrameError:
		var f textFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if h.OnError != nil {
			h.OnError(f.Message)
		}
	}

	return nil
}

// asMessage converts a chat_message frame to the domain type. Legacy
// frames can carry an inline file reference instead of a file_shared
// confirmation.
func (f *chatMessageFrame) asMessage() chat.Message {
	msg := chat.Message{
		ID:         f.MessageID,
		SessionID:  f.SessionID,
		Sender:     chat.SenderKind(f.SenderType),
		SenderName: f.SenderName,
		Content:    f.Message,
		Timestamp:  parseTimestamp(f.Timestamp),
	}
	if f.FileURL != "" {
		msg.Attachment = &chat.Attachment{
			URL:      f.FileURL,
			Name:     f.FileName,
			Uploader: msg.Sender,
		}
	}
	return msg
}

// parseTimestamp handles the two timestamp shapes the backend emits:
// RFC3339 and a bare wall-clock "15:04:05" (anchored to today, UTC).
// Anything else is treated as missing.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if clock, err := time.Parse("15:04:05", s); err == nil {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(),
			clock.Hour(), clock.Minute(), clock.Second(), 0, time.UTC)
	}
	return time.Time{}
}

// Outbound frames.

// ChatMessageFrame builds an outbound chat_message frame.
func ChatMessageFrame(content string, sender chat.SenderKind, senderName string) map[string]any {
	f := map[string]any{
		"type":        FrameChatMessage,
		"message":     content,
		"sender_type": string(sender),
	}
	if senderName != "" {
		f["sender_name"] = senderName
	}
	return f
}

// TypingFrame builds an outbound typing_indicator frame.
func TypingFrame(isTyping bool, sender chat.SenderKind) map[string]any {
	return map[string]any{
		"type":        FrameTypingIndicator,
		"is_typing":   isTyping,
		"sender_type": string(sender),
	}
}

// RequestFileListFrame builds an outbound request_file_list frame.
func RequestFileListFrame(sessionID, companyID string) map[string]any {
	return map[string]any{
		"type":       FrameRequestFileList,
		"session_id": sessionID,
		"company_id": companyID,
	}
}
