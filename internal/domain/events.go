package domain

import "time"

// EventType names an event pushed to attached sessions.
type EventType string

const (
	EventPresenceChanged EventType = "presence_changed"
	EventMessage         EventType = "message"
	EventMessageState    EventType = "message_state"
	EventReadMarker      EventType = "read_marker"
	EventCallRoster      EventType = "call_roster"
	EventError           EventType = "error"
	EventSyncResult      EventType = "sync_result"
	// EventCaughtUp follows the last catch-up message of a new session.
	EventCaughtUp EventType = "caught_up"
)

// PresenceChange describes a transition of one user's presence.
type PresenceChange struct {
	UserID   string    `json:"user_id"`
	Presence Presence  `json:"presence"`
	At       time.Time `json:"at"`
}

// Event is the envelope delivered on the subscription feed. Exactly one of
// the payload fields is set, according to Type.
type Event struct {
	Type       EventType       `json:"type"`
	Presence   *PresenceChange `json:"presence,omitempty"`
	Message    *Message        `json:"message,omitempty"`
	Messages   []*Message      `json:"messages,omitempty"`
	ReadCursor *ReadCursor     `json:"read_cursor,omitempty"`
	Call       *CallSession    `json:"call,omitempty"`
	Error      string          `json:"error,omitempty"`
}
