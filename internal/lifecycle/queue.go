package lifecycle

import (
	"sort"
	"sync"

	"github.com/handoff-chat/handoff/internal/chat"
)

// QueueProjection is the client-side view of the waiting-session queue.
// Ordering is strictly FIFO by created_at ascending with session id as
// tie-break; priority affects visual treatment only, never position.
// It is safe for concurrent use.
type QueueProjection struct {
	mu       sync.Mutex
	sessions map[string]chat.Session
}

// NewQueueProjection creates an empty queue projection.
func NewQueueProjection() *QueueProjection {
	return &QueueProjection{
		sessions: make(map[string]chat.Session),
	}
}

// Upsert records the latest state of a session. Sessions that are no
// longer queued leave the projection.
func (q *QueueProjection) Upsert(sess chat.Session) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sess.Status != chat.StatusQueued {
		delete(q.sessions, sess.SessionID)
		return
	}
	q.sessions[sess.SessionID] = sess
}

// Replace swaps the whole projection for a fresh server listing.
func (q *QueueProjection) Replace(sessions []chat.Session) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sessions = make(map[string]chat.Session, len(sessions))
	for _, sess := range sessions {
		if sess.Status == chat.StatusQueued {
			q.sessions[sess.SessionID] = sess
		}
	}
}

// Remove drops a session from the projection.
func (q *QueueProjection) Remove(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sessions, sessionID)
}

// Sorted returns the queued sessions in FIFO order.
func (q *QueueProjection) Sorted() []chat.Session {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]chat.Session, 0, len(q.sessions))
	for _, sess := range q.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Len returns the number of queued sessions.
func (q *QueueProjection) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sessions)
}
