package postgres

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Open opens a PostgreSQL database using the pgx stdlib driver.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs idempotent DDL migrations for the huddle schema on PostgreSQL.
func Migrate(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id           TEXT         PRIMARY KEY,
			display_name VARCHAR(100) NOT NULL,
			presence     VARCHAR(16)  NOT NULL DEFAULT 'offline',
			created_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			last_seen    TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id         BIGSERIAL   PRIMARY KEY,
			kind       VARCHAR(16) NOT NULL,
			name       TEXT        NOT NULL DEFAULT '',
			direct_key TEXT        UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id BIGINT      NOT NULL REFERENCES conversations(id),
			user_id         TEXT        NOT NULL REFERENCES users(id),
			position        INTEGER     NOT NULL,
			last_read_seq   BIGINT      NOT NULL DEFAULT 0,
			acked_seq       BIGINT      NOT NULL DEFAULT 0,
			joined_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (conversation_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			conversation_id BIGINT      NOT NULL REFERENCES conversations(id),
			seq             BIGINT      NOT NULL,
			sender_id       TEXT        NOT NULL REFERENCES users(id),
			body            TEXT        NOT NULL,
			state           VARCHAR(16) NOT NULL DEFAULT 'pending',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (conversation_id, seq)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_users_presence ON users(presence)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_members_user ON conversation_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_state_created ON messages(state, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
