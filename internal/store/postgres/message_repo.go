package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"huddle/internal/domain"
)

type MessageRepo struct {
	db *sqlx.DB
}

func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.State == "" {
		m.State = domain.DeliveryPending
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, sender_id, body, state, created_at)
		VALUES (:conversation_id, :seq, :sender_id, :body, :state, :created_at)
	`, m)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) LastSeq(ctx context.Context, conversationID int64) (int64, error) {
	var seq int64
	if err := r.db.GetContext(ctx, &seq, `
		SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = $1
	`, conversationID); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

func (r *MessageRepo) ListAfter(ctx context.Context, conversationID, afterSeq int64, limit int) ([]*domain.Message, error) {
	msgs := []*domain.Message{}
	if err := r.db.SelectContext(ctx, &msgs, `
		SELECT conversation_id, seq, sender_id, body, state, created_at
		FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, conversationID, afterSeq, limit); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (r *MessageRepo) CountAfter(ctx context.Context, conversationID, afterSeq int64, excludeSender string) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND seq > $2 AND sender_id <> $3
	`, conversationID, afterSeq, excludeSender); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (r *MessageRepo) SetState(ctx context.Context, key domain.MessageKey, state domain.DeliveryState) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET state = $1 WHERE conversation_id = $2 AND seq = $3
	`, state, key.ConversationID, key.Seq)
	if err != nil {
		return fmt.Errorf("set message state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *MessageRepo) TransitionState(ctx context.Context, key domain.MessageKey, from, to domain.DeliveryState) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET state = $1
		WHERE conversation_id = $2 AND seq = $3 AND state = $4
	`, to, key.ConversationID, key.Seq, from)
	if err != nil {
		return false, fmt.Errorf("transition message state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *MessageRepo) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*domain.Message, error) {
	msgs := []*domain.Message{}
	if err := r.db.SelectContext(ctx, &msgs, `
		SELECT conversation_id, seq, sender_id, body, state, created_at
		FROM messages
		WHERE state = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, domain.DeliveryPending, before, limit); err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	return msgs, nil
}
