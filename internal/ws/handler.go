// Package ws serves the per-user event stream over websockets.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"huddle/internal/domain"
	"huddle/internal/hub"
	"huddle/internal/service"
)

type Config struct {
	AllowedOrigins []string
	WriteWait      time.Duration
	PongWait       time.Duration
	// PingInterval must be shorter than PongWait.
	PingInterval  time.Duration
	MaxFrameBytes int64
}

func (c *Config) defaults() {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
}

// Handler upgrades authenticated requests and bridges one connection to one
// presence session.
type Handler struct {
	presence *service.PresenceRegistry
	delivery *service.DeliveryPipeline
	convs    *service.ConversationService
	log      *slog.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

func NewHandler(
	presence *service.PresenceRegistry,
	delivery *service.DeliveryPipeline,
	convs *service.ConversationService,
	log *slog.Logger,
	cfg Config,
) *Handler {
	cfg.defaults()
	return &Handler{
		presence: presence,
		delivery: delivery,
		convs:    convs,
		log:      log.With("component", "ws"),
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     makeCheckOrigin(cfg.AllowedOrigins),
			Subprotocols:    []string{BearerSubprotocol},
		},
	}
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin admits clients that send no Origin (non-browser) and
// browsers from an allowed origin. "*" allows every origin.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	_, wildcard := allowed["*"]

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" || wildcard {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		_, ok := allowed[fmt.Sprintf("%s://%s", u.Scheme, u.Host)]
		return ok
	}
}

func connectStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Serve attaches a session for user, upgrades the request and runs the
// connection until either side closes it.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, user *domain.User) {
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.upgrader.CheckOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	sess, err := h.presence.Connect(ctx, user.ID)
	if err != nil {
		status := connectStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Error("attach session failed", "user_id", user.ID, "err", err)
		}
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer h.presence.Disconnect(sess)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", "user_id", user.ID, "err", err)
		return
	}
	defer conn.Close()

	unsubscribe := h.presence.Subscribe(user.ID, func(ch domain.PresenceChange) {
		sess.Notify(domain.Event{Type: domain.EventPresenceChanged, Presence: &ch})
	})
	defer unsubscribe()

	log := h.log.With("user_id", user.ID, "session_id", sess.ID)
	log.Info("stream opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, sess, log)
	}()

	if n, err := h.delivery.CatchUp(ctx, sess); err != nil {
		log.Error("catch-up failed", "err", err)
	} else {
		log.Debug("caught up", "messages", n)
	}
	sess.Notify(domain.Event{Type: domain.EventCaughtUp})

	h.readLoop(ctx, conn, sess, log)

	sess.Close()
	<-writerDone
	log.Info("stream closed")
}

// writeLoop is the only goroutine writing to conn.
func (h *Handler) writeLoop(conn *websocket.Conn, sess *hub.Session, log *slog.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	// Unblock the reader once writing stops.
	defer conn.Close()

	for {
		select {
		case evt := <-sess.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				log.Debug("write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("ping failed", "err", err)
				return
			}
		case <-sess.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteWait),
			)
			return
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *hub.Session, log *slog.Logger) {
	conn.SetReadLimit(h.cfg.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.reject(sess, log, fmt.Errorf("malformed frame: %w", domain.ErrInvalidInput))
			continue
		}
		if err := h.dispatch(ctx, sess, f); err != nil {
			h.reject(sess, log, err)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *hub.Session, f Frame) error {
	switch f.Type {
	case FrameSend:
		h.presence.Touch(ctx, sess)
		// The sending session learns the assigned seq before fan-out can
		// report the message delivered.
		accepted := service.WithAccepted(func(m *domain.Message) {
			sess.Notify(domain.Event{Type: domain.EventMessageState, Message: m})
		})
		var err error
		switch {
		case f.RecipientID != "":
			_, err = h.delivery.SendDirect(ctx, sess.UserID, f.RecipientID, f.Body, accepted)
		case f.ConversationID > 0:
			_, err = h.delivery.Send(ctx, f.ConversationID, sess.UserID, f.Body, accepted)
		default:
			return fmt.Errorf("send needs conversation_id or recipient_id: %w", domain.ErrInvalidInput)
		}
		return err

	case FrameAck:
		_, err := h.delivery.Ack(ctx, f.ConversationID, sess.UserID, f.Seq)
		return err

	case FrameRead:
		h.presence.Touch(ctx, sess)
		_, err := h.delivery.MarkRead(ctx, f.ConversationID, sess.UserID, f.Seq)
		return err

	case FrameHeartbeat:
		h.presence.Touch(ctx, sess)
		return nil

	case FrameSync:
		conv, err := h.convs.GetConversation(ctx, f.ConversationID)
		if err != nil {
			return err
		}
		if !conv.HasMember(sess.UserID) {
			return domain.ErrNotAMember
		}
		msgs, err := h.convs.ListMessages(ctx, f.ConversationID, f.After, f.Limit)
		if err != nil {
			return err
		}
		sess.Notify(domain.Event{Type: domain.EventSyncResult, Messages: msgs})
		return nil

	default:
		return fmt.Errorf("unknown frame type %q: %w", f.Type, domain.ErrInvalidInput)
	}
}

// clientSafe lists the errors whose text may be shown to a client.
var clientSafe = []error{
	domain.ErrNotFound,
	domain.ErrInvalidMembership,
	domain.ErrNotAMember,
	domain.ErrInvalidInput,
	domain.ErrBusy,
	domain.ErrForbidden,
}

func (h *Handler) reject(sess *hub.Session, log *slog.Logger, err error) {
	msg := "internal error"
	for _, safe := range clientSafe {
		if errors.Is(err, safe) {
			msg = err.Error()
			break
		}
	}
	if msg == "internal error" {
		log.Error("frame failed", "err", err)
	}
	sess.Notify(domain.Event{Type: domain.EventError, Error: msg})
}
