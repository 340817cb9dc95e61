// Package client is a Go client for the huddle event stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"huddle/internal/domain"
	"huddle/internal/ws"
)

var ErrClosed = errors.New("client closed")

type Options struct {
	// Buffer is the capacity of the Events channel.
	Buffer    int
	WriteWait time.Duration
	// ManualAck disables acknowledging applied messages.
	ManualAck bool
}

// Client holds one stream connection. Message events are deduplicated
// through the Inbox before they reach Events, and acknowledged once the
// server has finished catching the session up.
type Client struct {
	conn  *websocket.Conn
	log   *slog.Logger
	opts  Options
	inbox *Inbox

	events chan domain.Event

	writeMu  sync.Mutex
	caughtUp atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to a /ws endpoint such as ws://host:8000/ws with a bearer
// token.
func Dial(ctx context.Context, endpoint, token string, log *slog.Logger, opts Options) (*Client, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Client{
		conn:   conn,
		log:    log.With("component", "client"),
		opts:   opts,
		inbox:  NewInbox(),
		events: make(chan domain.Event, opts.Buffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events yields deduplicated events until the connection ends.
func (c *Client) Events() <-chan domain.Event { return c.events }

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) Inbox() *Inbox { return c.inbox }

// CaughtUp reports whether the server has finished replaying missed
// messages.
func (c *Client) CaughtUp() bool { return c.caughtUp.Load() }

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var evt domain.Event
		if err := c.conn.ReadJSON(&evt); err != nil {
			c.finish(err)
			return
		}

		switch evt.Type {
		case domain.EventMessage:
			if evt.Message == nil || !c.inbox.Apply(evt.Message) {
				continue
			}
			if c.caughtUp.Load() {
				c.autoAck(evt.Message.ConversationID, evt.Message.Seq)
			}
		case domain.EventSyncResult:
			for _, m := range evt.Messages {
				c.inbox.Apply(m)
			}
		case domain.EventCaughtUp:
			c.caughtUp.Store(true)
			for convID, seq := range c.inbox.Highs() {
				c.autoAck(convID, seq)
			}
		}

		select {
		case c.events <- evt:
		case <-c.done:
			return
		}
	}
}

func (c *Client) autoAck(conversationID, seq int64) {
	if c.opts.ManualAck {
		return
	}
	if err := c.Ack(conversationID, seq); err != nil {
		c.log.Debug("ack failed", "conversation_id", conversationID, "seq", seq, "err", err)
	}
}

func (c *Client) write(f ws.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.conn.WriteJSON(f)
}

func (c *Client) Send(conversationID int64, body string) error {
	return c.write(ws.Frame{Type: ws.FrameSend, ConversationID: conversationID, Body: body})
}

// SendDirect sends to a user over the direct conversation with them.
func (c *Client) SendDirect(recipientID, body string) error {
	return c.write(ws.Frame{Type: ws.FrameSend, RecipientID: recipientID, Body: body})
}

// Ack confirms receipt of everything up to seq.
func (c *Client) Ack(conversationID, seq int64) error {
	if err := c.write(ws.Frame{Type: ws.FrameAck, ConversationID: conversationID, Seq: seq}); err != nil {
		return err
	}
	c.inbox.Acked(conversationID, seq)
	return nil
}

func (c *Client) MarkRead(conversationID, seq int64) error {
	return c.write(ws.Frame{Type: ws.FrameRead, ConversationID: conversationID, Seq: seq})
}

func (c *Client) Heartbeat() error {
	return c.write(ws.Frame{Type: ws.FrameHeartbeat})
}

// Sync asks for messages after a sequence; they arrive as a sync_result.
func (c *Client) Sync(conversationID, after int64, limit int) error {
	return c.write(ws.Frame{Type: ws.FrameSync, ConversationID: conversationID, After: after, Limit: limit})
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteWait),
	)
	c.writeMu.Unlock()
	c.finish(ErrClosed)
	return nil
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			err = ErrClosed
		}
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}
