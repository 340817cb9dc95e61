package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"huddle/internal/domain"
)

type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

var _ domain.UserRepository = (*UserRepo)(nil)

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = now
	}
	if u.Presence == "" {
		u.Presence = domain.PresenceOffline
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO users (id, display_name, presence, created_at, last_seen)
		VALUES (:id, :display_name, :presence, :created_at, :last_seen)
	`, u)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u := &domain.User{}
	err := r.db.GetContext(ctx, u, `
		SELECT id, display_name, presence, created_at, last_seen
		FROM users WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *UserRepo) List(ctx context.Context, offset, limit int) ([]*domain.User, error) {
	var users []*domain.User
	err := r.db.SelectContext(ctx, &users, `
		SELECT id, display_name, presence, created_at, last_seen
		FROM users
		ORDER BY display_name ASC, id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (r *UserRepo) Search(ctx context.Context, query string, offset, limit int) ([]*domain.User, error) {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(query)) + "%"
	var users []*domain.User
	err := r.db.SelectContext(ctx, &users, `
		SELECT id, display_name, presence, created_at, last_seen
		FROM users
		WHERE lower(id) LIKE ? ESCAPE '\' OR lower(display_name) LIKE ? ESCAPE '\'
		ORDER BY display_name ASC, id ASC
		LIMIT ? OFFSET ?
	`, pattern, pattern, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

// likeEscaper makes user input literal inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (r *UserRepo) SetPresence(ctx context.Context, id string, p domain.Presence, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET presence = ?, last_seen = ? WHERE id = ?
	`, p, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
