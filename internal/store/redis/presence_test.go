package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"huddle/internal/domain"
	store "huddle/internal/store/redis"
)

func TestPresenceStore(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client, err := store.NewClient(ctx, store.Config{Addr: mr.Addr()})
	req.NoError(err)
	t.Cleanup(func() { _ = client.Close() })

	ps := store.NewPresenceStore(client, time.Minute)

	p, err := ps.Lookup(ctx, "alice")
	req.NoError(err)
	req.Equal(domain.PresenceOffline, p)

	req.NoError(ps.Set(ctx, "alice", domain.PresenceOnline))
	p, err = ps.Lookup(ctx, "alice")
	req.NoError(err)
	req.Equal(domain.PresenceOnline, p)
	req.Equal(time.Minute, mr.TTL("huddle:presence:alice"))

	req.NoError(ps.Set(ctx, "alice", domain.PresenceAway))
	p, err = ps.Lookup(ctx, "alice")
	req.NoError(err)
	req.Equal(domain.PresenceAway, p)

	mr.FastForward(2 * time.Minute)
	p, err = ps.Lookup(ctx, "alice")
	req.NoError(err)
	req.Equal(domain.PresenceOffline, p, "expired keys read as offline")

	req.NoError(ps.Set(ctx, "bob", domain.PresenceOnline))
	req.NoError(ps.Set(ctx, "bob", domain.PresenceOffline))
	req.False(mr.Exists("huddle:presence:bob"))
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := store.NewClient(context.Background(), store.Config{Addr: "127.0.0.1:1"})
	require.Error(t, err)
}
