package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotAuthorized is returned when the local actor may not perform a
	// lifecycle transition. Client-side only; the server enforces the
	// authoritative rule.
	ErrNotAuthorized = errors.New("not authorized for this session")
	// ErrInvalidTransition is returned for transitions the lifecycle
	// state machine does not define (e.g. anything out of resolved).
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrViewClosed is returned when an operation is attempted on a view
	// that has already been torn down.
	ErrViewClosed = errors.New("view is closed")
)

// ValidationError indicates an attachment was rejected before any
// network call was made (too large or disallowed type).
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("attachment %q rejected: %s", e.Name, e.Reason)
}

// TransportError indicates the push channel failed to open or closed
// unexpectedly. Recovery (bounded reconnect) is owned by the view.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("push channel %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConflictError indicates a lifecycle transition was rejected because
// the session state changed concurrently. Current carries the re-fetched
// server state so the caller can surface it instead of retrying blindly.
type ConflictError struct {
	SessionID string
	Message   string
	Current   *Session
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("session %s: conflict: %s", e.SessionID, e.Message)
	}
	return fmt.Sprintf("session %s: conflicting concurrent update", e.SessionID)
}

// TenantViolationError indicates the server rejected a request for
// crossing a tenant boundary. Surfaced distinctly so the lifecycle
// controller can force a session refresh rather than show a generic
// failure.
type TenantViolationError struct {
	CompanyID string
	Message   string
}

func (e *TenantViolationError) Error() string {
	return fmt.Sprintf("tenant violation for company %s: %s", e.CompanyID, e.Message)
}

// UploadError indicates a network or server failure during an attachment
// upload. The upload handle is marked failed and retained so the UI can
// show the failure and the filename.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %q failed: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
