package ws

// BearerSubprotocol is offered by browsers as "bearer, <token>" in
// Sec-WebSocket-Protocol, since they cannot set Authorization on an upgrade.
// The server echoes it back on a successful upgrade.
const BearerSubprotocol = "bearer"

// Inbound frame types.
const (
	FrameSend      = "send"
	FrameAck       = "ack"
	FrameRead      = "read"
	FrameHeartbeat = "heartbeat"
	FrameSync      = "sync"
)

// Frame is a command sent by a client over the stream. Which fields are
// meaningful depends on Type.
type Frame struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	Body           string `json:"body,omitempty"`
	Seq            int64  `json:"seq,omitempty"`
	After          int64  `json:"after,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
