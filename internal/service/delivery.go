package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"huddle/internal/domain"
	"huddle/internal/hub"
)

type DeliveryConfig struct {
	// Echo also pushes a message to the sender's own sessions.
	Echo           bool
	PendingTimeout time.Duration
	CatchUpPage    int
}

// DeliveryPipeline turns accepted messages into events on the recipients'
// sessions and tracks when a message has reached all of them.
//
// Delivery is at-least-once: a message may reach a session twice (live push
// and catch-up), and receivers deduplicate on (conversation_id, seq).
type DeliveryPipeline struct {
	convs    *ConversationService
	messages domain.MessageRepository
	hub      *hub.Hub
	log      *slog.Logger
	cfg      DeliveryConfig

	mu sync.Mutex
	// outstanding holds the recipients that have not been handed a message
	// yet, with the sender to notify once the set drains.
	outstanding map[domain.MessageKey]*pendingDelivery
}

type pendingDelivery struct {
	sender     string
	recipients map[string]struct{}
}

func NewDeliveryPipeline(
	convs *ConversationService,
	messages domain.MessageRepository,
	h *hub.Hub,
	log *slog.Logger,
	cfg DeliveryConfig,
) *DeliveryPipeline {
	if cfg.CatchUpPage <= 0 {
		cfg.CatchUpPage = 200
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 24 * time.Hour
	}
	return &DeliveryPipeline{
		convs:       convs,
		messages:    messages,
		hub:         h,
		log:         log.With("component", "delivery"),
		cfg:         cfg,
		outstanding: make(map[domain.MessageKey]*pendingDelivery),
	}
}

// SendOption adjusts a single Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	accepted func(*domain.Message)
}

// WithAccepted registers fn to run once the message is stored and before
// any recipient sees it. fn receives a copy in the pending state, so the
// origin learns the assigned seq before any later state change.
func WithAccepted(fn func(*domain.Message)) SendOption {
	return func(o *sendOptions) { o.accepted = fn }
}

// Send appends the message once and fans it out. Append failures are
// returned to the caller unchanged and never retried here.
func (p *DeliveryPipeline) Send(
	ctx context.Context,
	conversationID int64,
	senderID, body string,
	opts ...SendOption,
) (*domain.Message, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	m, err := p.convs.AppendMessage(ctx, conversationID, senderID, body)
	if err != nil {
		return nil, err
	}
	if o.accepted != nil {
		accepted := *m
		o.accepted(&accepted)
	}
	members, err := p.convs.Members(ctx, conversationID)
	if err != nil {
		// The message is stored; catch-up will deliver it.
		p.log.Error("resolve recipients failed", "conversation_id", conversationID, "seq", m.Seq, "err", err)
		return m, nil
	}
	p.fanOut(ctx, m, members)
	return m, nil
}

// SendDirect sends body to recipientID over their direct conversation,
// creating it on first use.
func (p *DeliveryPipeline) SendDirect(
	ctx context.Context,
	senderID, recipientID, body string,
	opts ...SendOption,
) (*domain.Message, error) {
	conv, err := p.convs.FindOrCreateDirect(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	return p.Send(ctx, conv.ID, senderID, body, opts...)
}

func (p *DeliveryPipeline) fanOut(ctx context.Context, m *domain.Message, members []string) {
	recipients := lo.Without(members, m.SenderID)
	evt := domain.Event{Type: domain.EventMessage, Message: m}

	p.mu.Lock()
	pd := &pendingDelivery{sender: m.SenderID, recipients: make(map[string]struct{}, len(recipients))}
	for _, id := range recipients {
		pd.recipients[id] = struct{}{}
	}
	if len(recipients) > 0 {
		p.outstanding[m.Key()] = pd
	}
	p.mu.Unlock()

	if len(recipients) == 0 {
		p.markState(ctx, m.Key(), m.SenderID, domain.DeliveryDelivered)
	}

	for _, id := range recipients {
		if p.hub.SendTo(id, evt) > 0 {
			p.handed(ctx, m.Key(), id)
		}
	}
	if p.cfg.Echo {
		p.hub.SendTo(m.SenderID, evt)
	}
	p.log.Debug("message fanned out", "conversation_id", m.ConversationID, "seq", m.Seq, "recipients", len(recipients))
}

// handed records that userID has been given the message. When the last
// recipient is handed it, the message becomes delivered and the sender is
// told.
func (p *DeliveryPipeline) handed(ctx context.Context, key domain.MessageKey, userID string) {
	p.mu.Lock()
	pd, ok := p.outstanding[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(pd.recipients, userID)
	done := len(pd.recipients) == 0
	if done {
		delete(p.outstanding, key)
	}
	p.mu.Unlock()

	if done {
		p.markState(ctx, key, pd.sender, domain.DeliveryDelivered)
	}
}

func (p *DeliveryPipeline) markState(ctx context.Context, key domain.MessageKey, senderID string, state domain.DeliveryState) {
	if err := p.messages.SetState(ctx, key, state); err != nil {
		p.log.Error("update delivery state failed", "conversation_id", key.ConversationID, "seq", key.Seq, "state", state, "err", err)
		return
	}
	p.hub.SendTo(senderID, domain.Event{
		Type:    domain.EventMessageState,
		Message: &domain.Message{ConversationID: key.ConversationID, Seq: key.Seq, SenderID: senderID, State: state},
	})
}

// CatchUp pushes to sess every message after the user's acknowledged
// sequence, per conversation, in ascending order. It stops early if the
// session closes or its buffer overflows.
func (p *DeliveryPipeline) CatchUp(ctx context.Context, sess *hub.Session) (int, error) {
	convs, err := p.convs.ListForUser(ctx, sess.UserID)
	if err != nil {
		return 0, err
	}
	pushed := 0
	for _, c := range convs {
		cur, err := p.convs.Cursor(ctx, c.ID, sess.UserID)
		if err != nil {
			return pushed, err
		}
		after := cur.AckedSeq
		for after < c.LastSeq {
			msgs, err := p.convs.ListMessages(ctx, c.ID, after, p.cfg.CatchUpPage)
			if err != nil {
				return pushed, err
			}
			if len(msgs) == 0 {
				break
			}
			for _, m := range msgs {
				if m.SenderID == sess.UserID && !p.cfg.Echo {
					after = m.Seq
					continue
				}
				if !sess.Notify(domain.Event{Type: domain.EventMessage, Message: m}) {
					return pushed, nil
				}
				pushed++
				after = m.Seq
				if m.State != domain.DeliveryDelivered {
					p.redelivered(ctx, m, sess.UserID)
				}
			}
		}
	}
	return pushed, nil
}

// redelivered handles a message handed over by catch-up. When the message
// is no longer tracked (it failed, or the process restarted) its recipient
// set is rebuilt from the members that have not acknowledged it.
func (p *DeliveryPipeline) redelivered(ctx context.Context, m *domain.Message, userID string) {
	if m.SenderID == userID {
		return
	}
	key := m.Key()
	p.mu.Lock()
	_, tracked := p.outstanding[key]
	p.mu.Unlock()

	if !tracked {
		members, err := p.convs.Members(ctx, m.ConversationID)
		if err != nil {
			p.log.Error("resolve recipients failed", "conversation_id", m.ConversationID, "seq", m.Seq, "err", err)
			return
		}
		waiting := map[string]struct{}{userID: {}}
		for _, id := range lo.Without(members, m.SenderID, userID) {
			if cur, err := p.convs.Cursor(ctx, m.ConversationID, id); err == nil && cur.AckedSeq >= m.Seq {
				continue
			}
			waiting[id] = struct{}{}
		}
		p.mu.Lock()
		if _, ok := p.outstanding[key]; !ok {
			p.outstanding[key] = &pendingDelivery{sender: m.SenderID, recipients: waiting}
		}
		p.mu.Unlock()
	}
	p.handed(ctx, key, userID)
}

// Ack records that userID has received everything up to seq.
func (p *DeliveryPipeline) Ack(ctx context.Context, conversationID int64, userID string, seq int64) (*domain.ReadCursor, error) {
	return p.convs.Acknowledge(ctx, conversationID, userID, seq)
}

// MarkRead advances the read marker and tells the user's other sessions.
func (p *DeliveryPipeline) MarkRead(ctx context.Context, conversationID int64, userID string, seq int64) (*domain.ReadCursor, error) {
	cur, err := p.convs.MarkRead(ctx, conversationID, userID, seq)
	if err != nil {
		return nil, err
	}
	p.hub.SendTo(userID, domain.Event{Type: domain.EventReadMarker, ReadCursor: cur})
	return cur, nil
}

// SweepOverdue fails messages that stayed pending longer than the pending
// timeout and notifies their senders.
func (p *DeliveryPipeline) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := p.messages.ListPendingBefore(ctx, now.Add(-p.cfg.PendingTimeout), 500)
	if err != nil {
		return 0, fmt.Errorf("list overdue messages: %w", err)
	}
	failed := 0
	for _, m := range overdue {
		// A catch-up may have delivered the message since it was listed.
		changed, err := p.messages.TransitionState(ctx, m.Key(), domain.DeliveryPending, domain.DeliveryFailed)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return failed, err
			}
			p.log.Error("fail overdue message", "conversation_id", m.ConversationID, "seq", m.Seq, "err", err)
			continue
		}
		if !changed {
			continue
		}
		p.mu.Lock()
		delete(p.outstanding, m.Key())
		p.mu.Unlock()

		failed++
		p.hub.SendTo(m.SenderID, domain.Event{
			Type:    domain.EventMessageState,
			Message: &domain.Message{ConversationID: m.ConversationID, Seq: m.Seq, SenderID: m.SenderID, State: domain.DeliveryFailed},
		})
	}
	if failed > 0 {
		p.log.Warn("messages failed delivery", "count", failed)
	}
	return failed, nil
}

// Outstanding reports how many messages still wait for at least one
// recipient.
func (p *DeliveryPipeline) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}
