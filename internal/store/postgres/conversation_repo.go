package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"huddle/internal/domain"
)

type ConversationRepo struct {
	db *sqlx.DB
}

func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

type memberRow struct {
	ConversationID int64  `db:"conversation_id"`
	UserID         string `db:"user_id"`
}

func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation) error {
	var directKey *string
	if c.Kind == domain.KindDirect && len(c.MemberIDs) == 2 {
		k := domain.DirectKey(c.MemberIDs[0], c.MemberIDs[1])
		directKey = &k
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowxContext(ctx, `
		INSERT INTO conversations (kind, name, direct_key, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, created_at
	`, c.Kind, c.Name, directKey).Scan(&c.ID, &c.CreatedAt); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}

	for pos, uid := range c.MemberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, position, joined_at)
			VALUES ($1, $2, $3, NOW())
		`, c.ID, uid, pos); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id int64) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	err := r.db.GetContext(ctx, c, `
		SELECT id, kind, name, created_at FROM conversations WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if err := r.db.SelectContext(ctx, &c.MemberIDs, `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = $1
		ORDER BY position ASC
	`, id); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) FindDirect(ctx context.Context, a, b string) (*domain.Conversation, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		SELECT id FROM conversations WHERE direct_key = $1
	`, domain.DirectKey(a, b))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	var convs []*domain.Conversation
	if err := r.db.SelectContext(ctx, &convs, `
		SELECT c.id, c.kind, c.name, c.created_at
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		WHERE cm.user_id = $1
		ORDER BY c.id ASC
	`, userID); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var members []memberRow
	if err := r.db.SelectContext(ctx, &members, `
		SELECT conversation_id, user_id
		FROM conversation_members
		WHERE conversation_id IN (
			SELECT conversation_id FROM conversation_members WHERE user_id = $1
		)
		ORDER BY conversation_id ASC, position ASC
	`, userID); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	byID := make(map[int64]*domain.Conversation, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
	}
	for _, m := range members {
		if c, ok := byID[m.ConversationID]; ok {
			c.MemberIDs = append(c.MemberIDs, m.UserID)
		}
	}
	return convs, nil
}

func (r *ConversationRepo) GetCursor(ctx context.Context, conversationID int64, userID string) (*domain.ReadCursor, error) {
	c := &domain.ReadCursor{}
	err := r.db.GetContext(ctx, c, `
		SELECT conversation_id, user_id, last_read_seq, acked_seq
		FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) SaveCursor(ctx context.Context, c *domain.ReadCursor) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversation_members
		SET last_read_seq = GREATEST(last_read_seq, $1), acked_seq = GREATEST(acked_seq, $2)
		WHERE conversation_id = $3 AND user_id = $4
	`, c.LastReadSeq, c.AckedSeq, c.ConversationID, c.UserID)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
