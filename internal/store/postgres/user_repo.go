package postgres

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
	if u.Presence == "" {
		u.Presence = domain.PresenceOffline
	}
	query := `
		INSERT INTO users (id, display_name, presence, created_at, last_seen)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING created_at, last_seen
	`
	if err := r.db.QueryRowxContext(ctx, query, u.ID, u.DisplayName, u.Presence).
		Scan(&u.CreatedAt, &u.LastSeen); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	u := &domain.User{}
	err := r.db.GetContext(ctx, u, `
		SELECT id, display_name, presence, created_at, last_seen
		FROM users WHERE id = $1
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
	if err := r.db.SelectContext(ctx, &users, `
		SELECT id, display_name, presence, created_at, last_seen
		FROM users
		ORDER BY display_name ASC, id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (r *UserRepo) Search(ctx context.Context, query string, offset, limit int) ([]*domain.User, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	var users []*domain.User
	if err := r.db.SelectContext(ctx, &users, `
		SELECT id, display_name, presence, created_at, last_seen
		FROM users
		WHERE id ILIKE $1 OR display_name ILIKE $1
		ORDER BY display_name ASC, id ASC
		LIMIT $2 OFFSET $3
	`, pattern, limit, offset); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

// likeEscaper makes user input literal inside an ILIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (r *UserRepo) SetPresence(ctx context.Context, id string, p domain.Presence, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET presence = $1, last_seen = $2 WHERE id = $3
	`, p, at, id)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
