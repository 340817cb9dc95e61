package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"huddle/internal/domain"
	"huddle/internal/hub"
	"huddle/internal/logging"
	"huddle/internal/service"
	"huddle/internal/store/sqlite"
)

type env struct {
	clock    *clockwork.FakeClock
	hub      *hub.Hub
	users    domain.UserRepository
	convRepo domain.ConversationRepository
	msgRepo  domain.MessageRepository
	convs    *service.ConversationService
	presence *service.PresenceRegistry
	delivery *service.DeliveryPipeline
	calls    *service.CallCoordinator
}

type envOption func(*envConfig)

type envConfig struct {
	conversation service.ConversationConfig
	presence     service.PresenceConfig
	delivery     service.DeliveryConfig
	call         service.CallConfig
	cipher       service.BodyCipher
	messages     func(domain.MessageRepository) domain.MessageRepository
}

func withConversation(cfg service.ConversationConfig) envOption {
	return func(c *envConfig) { c.conversation = cfg }
}

func withPresence(cfg service.PresenceConfig) envOption {
	return func(c *envConfig) { c.presence = cfg }
}

func withDelivery(cfg service.DeliveryConfig) envOption {
	return func(c *envConfig) { c.delivery = cfg }
}

func withCall(cfg service.CallConfig) envOption {
	return func(c *envConfig) { c.call = cfg }
}

func withCipher(cipher service.BodyCipher) envOption {
	return func(c *envConfig) { c.cipher = cipher }
}

func withMessages(wrap func(domain.MessageRepository) domain.MessageRepository) envOption {
	return func(c *envConfig) { c.messages = wrap }
}

func newEnv(t *testing.T, userIDs []string, opts ...envOption) *env {
	t.Helper()

	cfg := envConfig{
		conversation: service.ConversationConfig{
			MaxMessageRunes: 20,
			DefaultPageSize: 3,
			MaxPageSize:     5,
			LockTimeout:     5 * time.Second,
		},
		presence: service.PresenceConfig{
			GracePeriod:  10 * time.Second,
			AwayAfter:    5 * time.Minute,
			MultiSession: true,
			SendBuffer:   64,
			LockTimeout:  5 * time.Second,
		},
		delivery: service.DeliveryConfig{PendingTimeout: time.Hour},
		call:     service.CallConfig{LockTimeout: 5 * time.Second},
	}
	for _, o := range opts {
		o(&cfg)
	}

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	e := &env{
		clock:    clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		hub:      hub.New(),
		users:    sqlite.NewUserRepo(db),
		convRepo: sqlite.NewConversationRepo(db),
		msgRepo:  sqlite.NewMessageRepo(db),
	}
	if cfg.messages != nil {
		e.msgRepo = cfg.messages(e.msgRepo)
	}
	for _, id := range userIDs {
		require.NoError(t, e.users.Create(context.Background(), &domain.User{ID: id, DisplayName: id}))
	}

	log := logging.Discard()
	e.convs = service.NewConversationService(e.convRepo, e.msgRepo, e.users, cfg.cipher, e.clock, log, cfg.conversation)
	t.Cleanup(e.convs.Close)
	e.presence = service.NewPresenceRegistry(e.users, e.convs, e.hub, nil, e.clock, log, cfg.presence)
	e.delivery = service.NewDeliveryPipeline(e.convs, e.msgRepo, e.hub, log, cfg.delivery)
	e.calls = service.NewCallCoordinator(e.convs, e.hub, e.clock, log, cfg.call)
	e.presence.OnOffline(e.calls.LeaveAll)
	t.Cleanup(e.presence.Close)
	return e
}

func (e *env) direct(t *testing.T, a, b string) *domain.Conversation {
	t.Helper()
	c, err := e.convs.CreateConversation(context.Background(), domain.KindDirect, []string{a, b})
	require.NoError(t, err)
	return c
}

func (e *env) group(t *testing.T, ids ...string) *domain.Conversation {
	t.Helper()
	c, err := e.convs.CreateConversation(context.Background(), domain.KindGroup, ids)
	require.NoError(t, err)
	return c
}

func (e *env) connect(t *testing.T, userID string) *hub.Session {
	t.Helper()
	s, err := e.presence.Connect(context.Background(), userID)
	require.NoError(t, err)
	return s
}

// drain returns every event currently queued on s.
func drain(s *hub.Session) []domain.Event {
	var out []domain.Event
	for {
		select {
		case evt := <-s.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func ofType(events []domain.Event, typ domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
