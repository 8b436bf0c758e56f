// Package chat defines the core data model for escalated support
// conversations: sessions, messages, attachments, and the timeline
// reconciler that merges events arriving over both transports.
package chat

import (
	"time"
)

// SessionStatus represents the lifecycle status of a session.
type SessionStatus string

const (
	// StatusQueued indicates the session is waiting for an agent.
	StatusQueued SessionStatus = "queued"
	// StatusAssigned indicates an agent has been assigned but no message
	// has been exchanged since assignment.
	StatusAssigned SessionStatus = "assigned"
	// StatusActive indicates the assigned agent and user are exchanging
	// messages. Active is a display refinement of assigned; the server
	// does not confirm the transition separately.
	StatusActive SessionStatus = "active"
	// StatusResolved indicates the session is complete. Terminal.
	StatusResolved SessionStatus = "resolved"
)

// Priority represents the visual priority of a queued session.
// Priority never affects queue ordering, only display treatment.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// SenderKind identifies who produced a message.
type SenderKind string

const (
	SenderUser   SenderKind = "user"
	SenderAgent  SenderKind = "agent"
	SenderBot    SenderKind = "bot"
	SenderSystem SenderKind = "system"
)

// Session is the client-side projection of one escalated conversation.
// The server owns the authoritative record; clients keep this in sync
// through pull fetches and push events.
type Session struct {
	SessionID     string        `json:"session_id"`
	CompanyID     string        `json:"company_id"`
	UserName      string        `json:"user_name,omitempty"`
	Status        SessionStatus `json:"status"`
	Priority      Priority      `json:"priority,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	AssignedAgent string        `json:"assigned_agent,omitempty"`
	LastMessage   string        `json:"last_message,omitempty"`
	MessageCount  int           `json:"message_count,omitempty"`
}

// Assignable reports whether the session can still accept an agent.
func (s *Session) Assignable() bool {
	return s.Status == StatusQueued
}

// Open reports whether the session accepts further lifecycle transitions.
func (s *Session) Open() bool {
	return s.Status != StatusResolved
}

// CheckInvariant verifies that assigned_agent is set if and only if the
// status is assigned or active. A resolved session may retain its agent
// reference for history.
func (s *Session) CheckInvariant() error {
	switch s.Status {
	case StatusAssigned, StatusActive:
		if s.AssignedAgent == "" {
			return &ConflictError{SessionID: s.SessionID, Message: "session is " + string(s.Status) + " but has no assigned agent"}
		}
	case StatusQueued:
		if s.AssignedAgent != "" {
			return &ConflictError{SessionID: s.SessionID, Message: "queued session has an assigned agent"}
		}
	}
	return nil
}

// Message is a single timeline entry for a session.
// Messages are append-only; once an identifier has been admitted to a
// timeline it is reserved forever, which makes de-duplication by
// identifier correct.
type Message struct {
	ID         string      `json:"message_id,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	Sender     SenderKind  `json:"sender_type"`
	SenderName string      `json:"sender_name,omitempty"`
	Content    string      `json:"message"`
	Timestamp  time.Time   `json:"timestamp,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Attachment is a file shared in a session. An attachment only becomes
// visible in the timeline once its file_shared confirmation event has
// been observed; in-flight uploads are tracked by the upload pipeline
// and never merged into the message list directly.
type Attachment struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id,omitempty"`
	CompanyID string     `json:"company_id,omitempty"`
	Uploader  SenderKind `json:"uploader"`
	URL       string     `json:"url"`
	Name      string     `json:"name"`
	MimeType  string     `json:"mime_type"`
	Size      int64      `json:"size"`
	Thumbnail string     `json:"thumbnail,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

// AsMessage converts an attachment confirmation into a timeline entry.
func (a Attachment) AsMessage() Message {
	att := a
	return Message{
		ID:         "file-" + a.ID,
		SessionID:  a.SessionID,
		Sender:     a.Uploader,
		Timestamp:  a.CreatedAt,
		Attachment: &att,
	}
}
