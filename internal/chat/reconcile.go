package chat

import (
	"sync"
	"time"
)

// DedupWindow is the tolerance for treating two messages with the same
// sender and content as one send reported over both transports. The
// pull-channel path and the push-channel path can both deliver the same
// human-originated message before the server-assigned identifier has
// round-tripped back to the sender's own client.
const DedupWindow = 5 * time.Second

// Timeline is the ordered, duplicate-free message projection for one
// session. It merges events arriving from the push channel and from
// pull-channel history fetches. Merge is idempotent: applying the same
// event twice yields the same timeline as applying it once.
//
// Ordering is by arrival-merge order, except that a message carrying a
// timestamp earlier than the current tail is inserted by timestamp with
// identifier tie-break. The timeline does not attempt causal ordering
// across the two transports, only duplicate suppression.
//
// It is safe for concurrent use.
type Timeline struct {
	mu       sync.Mutex
	messages []Message
	index    map[string]int      // message id -> position
	reserved map[string]struct{} // every id ever admitted, survives pruning
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		index:    make(map[string]int),
		reserved: make(map[string]struct{}),
	}
}

// Merge reconciles one incoming message into the timeline.
// It returns true if the message was admitted as a new entry, false if
// it was suppressed as a duplicate.
func (t *Timeline) Merge(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Rule (a): identifier equality.
	if msg.ID != "" {
		if pos, ok := t.index[msg.ID]; ok {
			t.backfill(pos, msg)
			return false
		}
		if _, ok := t.reserved[msg.ID]; ok {
			// Admitted and since pruned; ids are never reused.
			return false
		}
	}

	// Rule (b): same sender, equal content, timestamps within tolerance.
	// This catches the sender's own echo arriving over the other
	// transport before the server id round-trips back.
	if msg.Content != "" {
		for i := len(t.messages) - 1; i >= 0; i-- {
			existing := &t.messages[i]
			if existing.Sender == msg.Sender && existing.Content == msg.Content &&
				withinWindow(existing.Timestamp, msg.Timestamp) {
				if existing.ID == "" && msg.ID != "" {
					// Backfill the server id onto the provisional entry so
					// rule (a) catches later redeliveries.
					existing.ID = msg.ID
					t.index[msg.ID] = i
					t.reserved[msg.ID] = struct{}{}
				}
				t.backfill(i, msg)
				return false
			}
		}
	}

	t.insert(msg)

	if msg.ID != "" {
		t.reserved[msg.ID] = struct{}{}
	}
	return true
}

// MergeAll merges a batch of messages (e.g. a history fetch) and returns
// the number of entries admitted.
func (t *Timeline) MergeAll(msgs []Message) int {
	added := 0
	for _, m := range msgs {
		if t.Merge(m) {
			added++
		}
	}
	return added
}

// Messages returns a copy of the current timeline in render order.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of timeline entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Last returns the most recent timeline entry, if any.
func (t *Timeline) Last() (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Prune drops the oldest entries until at most max remain. Identifiers
// of pruned entries stay reserved, so a late redelivery of a pruned
// message is still suppressed.
func (t *Timeline) Prune(max int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if max < 0 || len(t.messages) <= max {
		return
	}
	t.messages = append([]Message(nil), t.messages[len(t.messages)-max:]...)
	t.reindex()
}

// insert places msg in the timeline. Appends unless the message carries
// a timestamp earlier than the tail, in which case it is inserted by
// timestamp with id tie-break. Entries without a timestamp keep their
// arrival position and stop the backward walk.
func (t *Timeline) insert(msg Message) {
	pos := len(t.messages)
	if !msg.Timestamp.IsZero() {
		for pos > 0 {
			prev := t.messages[pos-1]
			if prev.Timestamp.IsZero() {
				break
			}
			if prev.Timestamp.Before(msg.Timestamp) {
				break
			}
			if prev.Timestamp.Equal(msg.Timestamp) && prev.ID <= msg.ID {
				break
			}
			pos--
		}
	}

	if pos == len(t.messages) {
		t.messages = append(t.messages, msg)
	} else {
		t.messages = append(t.messages, Message{})
		copy(t.messages[pos+1:], t.messages[pos:])
		t.messages[pos] = msg
		t.reindex()
		return
	}
	if msg.ID != "" {
		t.index[msg.ID] = pos
	}
}

// backfill fills in fields the existing entry is missing from a
// duplicate report (server timestamps and display names may arrive on
// only one of the two transports).
func (t *Timeline) backfill(pos int, msg Message) {
	existing := &t.messages[pos]
	if existing.Timestamp.IsZero() && !msg.Timestamp.IsZero() {
		existing.Timestamp = msg.Timestamp
	}
	if existing.SenderName == "" && msg.SenderName != "" {
		existing.SenderName = msg.SenderName
	}
	if existing.Attachment == nil && msg.Attachment != nil {
		existing.Attachment = msg.Attachment
	}
}

// reindex rebuilds the id index after positions shift.
func (t *Timeline) reindex() {
	t.index = make(map[string]int, len(t.messages))
	for i, m := range t.messages {
		if m.ID != "" {
			t.index[m.ID] = i
		}
	}
}

// withinWindow reports whether two timestamps are close enough for rule
// (b). A missing timestamp on either side is treated as a match, since
// the provisional local echo may carry a timestamp the server report
// lacks (or the reverse).
func withinWindow(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= DedupWindow
}
