// Package redis mirrors presence into Redis so that other nodes can look a
// user up without going through this process.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"huddle/internal/domain"
)

// Config holds the connection parameters for the presence mirror.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, c Config) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// presence key: huddle:presence:<user>
func presenceKey(userID string) string { return "huddle:presence:" + userID }

// PresenceStore writes presence as expiring keys. Online and away users hold
// a key renewed on every write; offline users have none.
type PresenceStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewPresenceStore(client *goredis.Client, ttl time.Duration) *PresenceStore {
	return &PresenceStore{client: client, ttl: ttl}
}

func (s *PresenceStore) Set(ctx context.Context, userID string, p domain.Presence) error {
	if p == domain.PresenceOffline {
		if err := s.client.Del(ctx, presenceKey(userID)).Err(); err != nil {
			return fmt.Errorf("clear presence: %w", err)
		}
		return nil
	}
	if err := s.client.Set(ctx, presenceKey(userID), string(p), s.ttl).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// Lookup returns the mirrored presence; a missing key means offline.
func (s *PresenceStore) Lookup(ctx context.Context, userID string) (domain.Presence, error) {
	val, err := s.client.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, goredis.Nil) {
		return domain.PresenceOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup presence: %w", err)
	}
	return domain.Presence(val), nil
}
