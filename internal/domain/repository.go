package domain

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	List(ctx context.Context, offset, limit int) ([]*User, error)
	// Search lists users whose id or display name contains query,
	// case-insensitively, in List order.
	Search(ctx context.Context, query string, offset, limit int) ([]*User, error)
	SetPresence(ctx context.Context, id string, p Presence, at time.Time) error
}

// ConversationRepository defines persistence operations for conversations,
// their members and the per-member read cursors.
type ConversationRepository interface {
	Create(ctx context.Context, c *Conversation) error
	GetByID(ctx context.Context, id int64) (*Conversation, error)
	FindDirect(ctx context.Context, a, b string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]*Conversation, error)
	GetCursor(ctx context.Context, conversationID int64, userID string) (*ReadCursor, error)
	SaveCursor(ctx context.Context, c *ReadCursor) error
}

// MessageRepository defines persistence operations for the per-conversation
// message log. Seq is assigned by the caller; Append must reject a duplicate
// (conversation, seq) pair.
type MessageRepository interface {
	Append(ctx context.Context, m *Message) error
	LastSeq(ctx context.Context, conversationID int64) (int64, error)
	ListAfter(ctx context.Context, conversationID, afterSeq int64, limit int) ([]*Message, error)
	CountAfter(ctx context.Context, conversationID, afterSeq int64, excludeSender string) (int, error)
	SetState(ctx context.Context, key MessageKey, state DeliveryState) error
	// TransitionState moves a message to state `to` only while it is in
	// state `from`, and reports whether it did.
	TransitionState(ctx context.Context, key MessageKey, from, to DeliveryState) (bool, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Message, error)
}
