package domain

import "time"

// Presence is a user's connectivity status as observed by the registry.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// User represents an identity provisioned by the external identity provider.
type User struct {
	ID          string    `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Presence    Presence  `db:"presence" json:"presence"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	LastSeen    time.Time `db:"last_seen" json:"last_seen"`
}

// ConversationKind distinguishes direct (1:1) from group conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Valid reports whether k is a known kind.
func (k ConversationKind) Valid() bool {
	return k == KindDirect || k == KindGroup
}

// Conversation represents a chat conversation (direct or group).
// MemberIDs keeps creation order and never contains duplicates. Only
// groups carry a Name.
type Conversation struct {
	ID        int64            `db:"id" json:"id"`
	Kind      ConversationKind `db:"kind" json:"kind"`
	Name      string           `db:"name" json:"name,omitempty"`
	MemberIDs []string         `db:"-" json:"member_ids"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// DeliveryState tracks a message's hand-off to its recipients.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is a single chat message. (ConversationID, Seq) identifies it.
type Message struct {
	ConversationID int64         `db:"conversation_id" json:"conversation_id"`
	Seq            int64         `db:"seq" json:"seq"`
	SenderID       string        `db:"sender_id" json:"sender_id"`
	Body           string        `db:"body" json:"body"`
	State          DeliveryState `db:"state" json:"state"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

// Key returns the message's deduplication key.
func (m *Message) Key() MessageKey {
	return MessageKey{ConversationID: m.ConversationID, Seq: m.Seq}
}

// MessageKey identifies a message across conversations.
type MessageKey struct {
	ConversationID int64 `json:"conversation_id"`
	Seq            int64 `json:"seq"`
}

// ReadCursor is the per (conversation, user) bookkeeping record.
type ReadCursor struct {
	ConversationID int64  `db:"conversation_id" json:"conversation_id"`
	UserID         string `db:"user_id" json:"user_id"`
	LastReadSeq    int64  `db:"last_read_seq" json:"last_read_seq"`
	AckedSeq       int64  `db:"acked_seq" json:"acked_seq"`
}

// CallState is the lifecycle state of a call session.
type CallState string

const (
	CallCreated CallState = "created"
	CallActive  CallState = "active"
	CallEnded   CallState = "ended"
)

// Participant is one user's record inside a call roster.
type Participant struct {
	UserID        string    `json:"user_id"`
	Muted         bool      `json:"muted"`
	VideoOn       bool      `json:"video_on"`
	ScreenSharing bool      `json:"screen_sharing"`
	JoinedAt      time.Time `json:"joined_at"`
}

// CallSession is a bounded-lifetime audio/video session. Media frames are
// exchanged elsewhere; only roster metadata lives here.
type CallSession struct {
	ID             string        `json:"id"`
	HostID         string        `json:"host_id"`
	ConversationID *int64        `json:"conversation_id,omitempty"`
	State          CallState     `json:"state"`
	Participants   []Participant `json:"participants"`
	CreatedAt      time.Time     `json:"created_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// DirectKey returns the order-independent key of a direct conversation
// between a and b.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x1f" + b
}
