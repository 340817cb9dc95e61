package client

import (
	"sync"

	"huddle/internal/domain"
)

// Inbox deduplicates messages by (conversation, seq). Delivery is
// at-least-once, so the same message can arrive from a live push and again
// from catch-up or a sync.
type Inbox struct {
	mu    sync.Mutex
	convs map[int64]*convInbox
}

type convInbox struct {
	// floor is the acknowledged watermark; everything at or below it has
	// been applied.
	floor int64
	seen  map[int64]struct{}
	high  int64
}

func NewInbox() *Inbox {
	return &Inbox{convs: make(map[int64]*convInbox)}
}

func (in *Inbox) conv(id int64) *convInbox {
	c, ok := in.convs[id]
	if !ok {
		c = &convInbox{seen: make(map[int64]struct{})}
		in.convs[id] = c
	}
	return c
}

// Apply records m and reports whether it was new. Applying a key twice is a
// no-op that returns false.
func (in *Inbox) Apply(m *domain.Message) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	c := in.conv(m.ConversationID)
	if m.Seq <= c.floor {
		return false
	}
	if _, dup := c.seen[m.Seq]; dup {
		return false
	}
	c.seen[m.Seq] = struct{}{}
	c.high = max(c.high, m.Seq)
	return true
}

// Seen reports whether the key has already been applied.
func (in *Inbox) Seen(key domain.MessageKey) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	c, ok := in.convs[key.ConversationID]
	if !ok {
		return false
	}
	if key.Seq <= c.floor {
		return true
	}
	_, ok = c.seen[key.Seq]
	return ok
}

// High returns the highest sequence applied in a conversation.
func (in *Inbox) High(conversationID int64) int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	if c, ok := in.convs[conversationID]; ok {
		return max(c.high, c.floor)
	}
	return 0
}

// Highs returns the highest applied sequence of every conversation.
func (in *Inbox) Highs() map[int64]int64 {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make(map[int64]int64, len(in.convs))
	for id, c := range in.convs {
		out[id] = max(c.high, c.floor)
	}
	return out
}

// Acked raises the watermark of a conversation and forgets the individual
// keys below it.
func (in *Inbox) Acked(conversationID, seq int64) {
	in.mu.Lock()
	defer in.mu.Unlock()

	c := in.conv(conversationID)
	if seq <= c.floor {
		return
	}
	c.floor = seq
	for s := range c.seen {
		if s <= seq {
			delete(c.seen, s)
		}
	}
}
