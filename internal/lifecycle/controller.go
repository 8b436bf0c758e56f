// Package lifecycle models the hand-off state machine: a session moves
// queued → assigned → active → resolved, and only the right caller may
// move it. The controller enforces the rules client-side as defense in
// depth; the server remains the authority and concurrent assignments
// surface as conflicts, never silent overwrites.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/handoff-chat/handoff/internal/chat"
	"github.com/handoff-chat/handoff/internal/tenant"
)

// API is the pull-channel surface the controller depends on.
type API interface {
	GetSession(ctx context.Context, sessionID string) (*chat.Session, error)
	ListQueuedSessions(ctx context.Context) ([]chat.Session, error)
	AcceptSession(ctx context.Context, sessionID, agentID string) (*chat.Session, error)
	AssignSession(ctx context.Context, sessionID, agentID string) (*chat.Session, error)
	CompleteSession(ctx context.Context, sessionID string) (*chat.Session, error)
}

// Actor is the local caller on whose behalf transitions are attempted.
type Actor struct {
	ID    string
	Name  string
	Scope tenant.Scope
}

// Controller drives session lifecycle transitions and keeps a local
// projection of the sessions it has seen. It is safe for concurrent use.
type Controller struct {
	api    API
	actor  Actor
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]chat.Session
}

// NewController creates a controller acting as the given actor.
func NewController(api API, actor Actor, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		api:      api,
		actor:    actor,
		logger:   logger,
		sessions: make(map[string]chat.Session),
	}
}

// Session returns the local projection of a session, if known.
func (c *Controller) Session(sessionID string) (chat.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	return sess, ok
}

// Accept self-assigns a queued session to the acting agent.
// Any agent (or admin) may accept a queued session. If someone else got
// there first the returned error is a *chat.ConflictError carrying the
// re-fetched state; the caller must surface it, not retry.
func (c *Controller) Accept(ctx context.Context, sessionID string) (*chat.Session, error) {
	if c.actor.Scope.Role == tenant.RoleUser {
		return nil, fmt.Errorf("accept session: %w", chat.ErrNotAuthorized)
	}

	if known, ok := c.Session(sessionID); ok {
		if known.Status == chat.StatusResolved {
			return nil, fmt.Errorf("accept session %s: %w", sessionID, chat.ErrInvalidTransition)
		}
		if !known.Assignable() && known.AssignedAgent != c.actor.ID {
			// Known to be taken already; report the conflict without a
			// round-trip but refresh so the projection is current.
			current := known
			if fresh, err := c.api.GetSession(ctx, sessionID); err == nil {
				current = *fresh
				c.store(current)
			}
			return nil, &chat.ConflictError{SessionID: sessionID, Message: "session already assigned", Current: &current}
		}
	}

	sess, err := c.api.AcceptSession(ctx, sessionID, c.actor.ID)
	if err != nil {
		return nil, c.handleTransitionError(ctx, sessionID, err)
	}
	c.store(*sess)
	return sess, nil
}

// Assign explicitly assigns a queued session to the chosen agent.
// Admin action only.
func (c *Controller) Assign(ctx context.Context, sessionID, agentID string) (*chat.Session, error) {
	if !c.actor.Scope.Admin() {
		return nil, fmt.Errorf("assign session: %w", chat.ErrNotAuthorized)
	}

	sess, err := c.api.AssignSession(ctx, sessionID, agentID)
	if err != nil {
		return nil, c.handleTransitionError(ctx, sessionID, err)
	}
	c.store(*sess)
	return sess, nil
}

// Complete resolves a session. Only the assigned agent or an admin of
// the owning tenant may complete it, and only from assigned/active.
func (c *Controller) Complete(ctx context.Context, sessionID string) (*chat.Session, error) {
	known, ok := c.Session(sessionID)
	if !ok {
		fresh, err := c.api.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		known = *fresh
		c.store(known)
	}

	switch known.Status {
	case chat.StatusResolved:
		return nil, fmt.Errorf("complete session %s: already resolved: %w", sessionID, chat.ErrInvalidTransition)
	case chat.StatusQueued:
		// Administrative override of queued sessions lives in the admin
		// surface, not here.
		return nil, fmt.Errorf("complete session %s: not assigned: %w", sessionID, chat.ErrInvalidTransition)
	}

	if !c.mayAct(known) {
		return nil, fmt.Errorf("complete session %s: %w", sessionID, chat.ErrNotAuthorized)
	}

	sess, err := c.api.CompleteSession(ctx, sessionID)
	if err != nil {
		return nil, c.handleTransitionError(ctx, sessionID, err)
	}
	c.store(*sess)
	return sess, nil
}

// mayAct reports whether the actor may move an assigned/active session:
// the assigned agent itself, or an admin of the owning tenant.
func (c *Controller) mayAct(sess chat.Session) bool {
	if sess.AssignedAgent == c.actor.ID {
		return true
	}
	return c.actor.Scope.Admin() &&
		(c.actor.Scope.Super() || c.actor.Scope.CompanyID == sess.CompanyID)
}

// handleTransitionError reacts to data-integrity failures: conflicts and
// tenant violations both force a projection refresh before the caller is
// allowed to mutate again.
func (c *Controller) handleTransitionError(ctx context.Context, sessionID string, err error) error {
	var conflict *chat.ConflictError
	if errors.As(err, &conflict) {
		if conflict.Current != nil {
			c.store(*conflict.Current)
		} else if fresh, ferr := c.api.GetSession(ctx, sessionID); ferr == nil {
			conflict.Current = fresh
			c.store(*fresh)
		}
		return err
	}

	var violation *chat.TenantViolationError
	if errors.As(err, &violation) {
		c.logger.Warn("tenant violation on lifecycle transition, forcing refresh",
			"session_id", sessionID)
		if fresh, ferr := c.api.GetSession(ctx, sessionID); ferr == nil {
			c.store(*fresh)
		} else {
			c.forget(sessionID)
		}
		return err
	}

	return err
}

// NoteMessage observes a reconciled timeline message and applies the
// implicit assigned → active transition: the first message exchanged
// after assignment activates the session. Display concept only, no
// server round-trip.
func (c *Controller) NoteMessage(sessionID string, msg chat.Message) {
	if msg.Sender != chat.SenderUser && msg.Sender != chat.SenderAgent {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	sess.LastMessage = msg.Content
	sess.MessageCount++
	if sess.Status == chat.StatusAssigned {
		sess.Status = chat.StatusActive
	}
	c.sessions[sessionID] = sess
}

// Observe merges a server-pushed session state (session_update or
// session_assigned) into the projection. Resolved is terminal: a push
// that tries to move a resolved session back is dropped with a warning.
func (c *Controller) Observe(sess chat.Session) {
	if err := sess.CheckInvariant(); err != nil {
		c.logger.Warn("dropping session update violating lifecycle invariant",
			"session_id", sess.SessionID, "status", sess.Status, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if known, ok := c.sessions[sess.SessionID]; ok &&
		known.Status == chat.StatusResolved && sess.Status != chat.StatusResolved {
		c.logger.Warn("ignoring update for resolved session",
			"session_id", sess.SessionID, "pushed_status", sess.Status)
		return
	}
	c.sessions[sess.SessionID] = sess
}

// Refresh re-fetches a session from the server, replacing the local
// projection. Used after conflicts and tenant violations.
func (c *Controller) Refresh(ctx context.Context, sessionID string) (*chat.Session, error) {
	sess, err := c.api.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.store(*sess)
	return sess, nil
}

// LoadQueue fetches the queued sessions and returns them in FIFO order
// by created_at with session id as tie-break. Entries the server slipped
// in with a non-queued status are stored but not returned.
func (c *Controller) LoadQueue(ctx context.Context) ([]chat.Session, error) {
	sessions, err := c.api.ListQueuedSessions(ctx)
	if err != nil {
		return nil, err
	}

	queued := make([]chat.Session, 0, len(sessions))
	for _, sess := range sessions {
		c.store(sess)
		if sess.Status == chat.StatusQueued {
			queued = append(queued, sess)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if !queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].CreatedAt.Before(queued[j].CreatedAt)
		}
		return queued[i].SessionID < queued[j].SessionID
	})
	return queued, nil
}

func (c *Controller) store(sess chat.Session) {
	c.mu.Lock()
	c.sessions[sess.SessionID] = sess
	c.mu.Unlock()
}

func (c *Controller) forget(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}
