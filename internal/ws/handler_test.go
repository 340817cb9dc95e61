package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/client"
	"huddle/internal/domain"
	"huddle/internal/hub"
	"huddle/internal/logging"
	"huddle/internal/service"
	"huddle/internal/store/sqlite"
	"huddle/internal/ws"
)

type stack struct {
	srv      *httptest.Server
	hub      *hub.Hub
	convs    *service.ConversationService
	presence *service.PresenceRegistry
	delivery *service.DeliveryPipeline
}

func newStack(t *testing.T, multiSession bool, users ...string) *stack {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	userRepo := sqlite.NewUserRepo(db)
	convRepo := sqlite.NewConversationRepo(db)
	msgRepo := sqlite.NewMessageRepo(db)
	for _, id := range users {
		require.NoError(t, userRepo.Create(context.Background(), &domain.User{ID: id, DisplayName: id}))
	}

	log := logging.Discard()
	clock := clockwork.NewFakeClock()
	h := hub.New()
	convs := service.NewConversationService(convRepo, msgRepo, userRepo, nil, clock, log, service.ConversationConfig{})
	t.Cleanup(convs.Close)
	presence := service.NewPresenceRegistry(userRepo, convs, h, nil, clock, log, service.PresenceConfig{
		AwayAfter:    time.Hour,
		MultiSession: multiSession,
		SendBuffer:   64,
	})
	delivery := service.NewDeliveryPipeline(convs, msgRepo, h, log, service.DeliveryConfig{})
	handler := ws.NewHandler(presence, delivery, convs, log, ws.Config{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Serve(w, r, &domain.User{ID: r.URL.Query().Get("user")})
	}))
	t.Cleanup(func() {
		h.CloseAll()
		srv.Close()
		presence.Close()
	})

	return &stack{srv: srv, hub: h, convs: convs, presence: presence, delivery: delivery}
}

func (s *stack) dial(t *testing.T, userID string) *client.Client {
	t.Helper()
	c, err := s.dialErr(userID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (s *stack) dialErr(userID string) (*client.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	endpoint := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?user=" + userID
	return client.Dial(ctx, endpoint, "test-token", logging.Discard(), client.Options{})
}

// next returns the first event of typ, skipping others.
func next(t *testing.T, c *client.Client, typ domain.EventType) domain.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-c.Events():
			if !ok {
				// Err blocks until the read loop exits, which it has here.
				t.Fatalf("stream ended waiting for %s: %v", typ, c.Err())
			}
			if evt.Type == typ {
				return evt
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestStream_CatchUpThenAck(t *testing.T) {
	s := newStack(t, true, "alice", "bob")
	ctx := context.Background()

	conv, err := s.convs.CreateConversation(ctx, domain.KindDirect, []string{"alice", "bob"})
	require.NoError(t, err)
	for _, body := range []string{"one", "two"} {
		_, err := s.delivery.Send(ctx, conv.ID, "alice", body)
		require.NoError(t, err)
	}

	bob := s.dial(t, "bob")
	first := next(t, bob, domain.EventMessage)
	second := next(t, bob, domain.EventMessage)
	next(t, bob, domain.EventCaughtUp)

	assert.Equal(t, "one", first.Message.Body)
	assert.Equal(t, int64(1), first.Message.Seq)
	assert.Equal(t, int64(2), second.Message.Seq)

	require.Eventually(t, func() bool {
		cur, err := s.convs.Cursor(ctx, conv.ID, "bob")
		return err == nil && cur.AckedSeq == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, bob.CaughtUp())
}

func TestStream_SendOverStream(t *testing.T) {
	s := newStack(t, true, "alice", "bob")
	ctx := context.Background()
	conv, err := s.convs.CreateConversation(ctx, domain.KindDirect, []string{"alice", "bob"})
	require.NoError(t, err)

	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	next(t, alice, domain.EventCaughtUp)
	next(t, bob, domain.EventCaughtUp)

	require.NoError(t, alice.Send(conv.ID, "hello"))

	accepted := next(t, alice, domain.EventMessageState)
	assert.Equal(t, int64(1), accepted.Message.Seq)
	assert.Equal(t, domain.DeliveryPending, accepted.Message.State)

	got := next(t, bob, domain.EventMessage)
	assert.Equal(t, "hello", got.Message.Body)
	assert.Equal(t, "alice", got.Message.SenderID)

	delivered := next(t, alice, domain.EventMessageState)
	assert.Equal(t, domain.DeliveryDelivered, delivered.Message.State)
	assert.Equal(t, int64(1), delivered.Message.Seq)
}

func TestStream_SendDirectCreatesConversation(t *testing.T) {
	s := newStack(t, true, "alice", "bob")
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	next(t, bob, domain.EventCaughtUp)

	require.NoError(t, alice.SendDirect("bob", "hi bob"))
	got := next(t, bob, domain.EventMessage)
	assert.Equal(t, "hi bob", got.Message.Body)
	assert.Equal(t, int64(1), got.Message.Seq)
}

func TestStream_SyncAndErrors(t *testing.T) {
	s := newStack(t, true, "alice", "bob", "carol")
	ctx := context.Background()
	conv, err := s.convs.CreateConversation(ctx, domain.KindDirect, []string{"alice", "bob"})
	require.NoError(t, err)
	for range 3 {
		_, err := s.delivery.Send(ctx, conv.ID, "alice", "m")
		require.NoError(t, err)
	}

	alice := s.dial(t, "alice")
	require.NoError(t, alice.Sync(conv.ID, 1, 10))
	res := next(t, alice, domain.EventSyncResult)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, int64(2), res.Messages[0].Seq)
	assert.Equal(t, int64(3), res.Messages[1].Seq)

	carol := s.dial(t, "carol")
	require.NoError(t, carol.Sync(conv.ID, 0, 10))
	denied := next(t, carol, domain.EventError)
	assert.Contains(t, denied.Error, domain.ErrNotAMember.Error())

	require.NoError(t, carol.Send(conv.ID, "let me in"))
	denied = next(t, carol, domain.EventError)
	assert.Contains(t, denied.Error, domain.ErrNotAMember.Error())

	require.NoError(t, carol.Heartbeat())
	require.NoError(t, carol.Send(0, "nowhere"))
	invalid := next(t, carol, domain.EventError)
	assert.Contains(t, invalid.Error, "conversation_id")
}

func TestStream_PresenceEvents(t *testing.T) {
	s := newStack(t, true, "alice", "bob")
	_, err := s.convs.CreateConversation(context.Background(), domain.KindDirect, []string{"alice", "bob"})
	require.NoError(t, err)

	alice := s.dial(t, "alice")
	next(t, alice, domain.EventCaughtUp)

	s.dial(t, "bob")
	for {
		evt := next(t, alice, domain.EventPresenceChanged)
		if evt.Presence.UserID == "bob" {
			assert.Equal(t, domain.PresenceOnline, evt.Presence.Presence)
			break
		}
	}
}

func TestStream_SingleSessionRejectsSecond(t *testing.T) {
	s := newStack(t, false, "alice")
	s.dial(t, "alice")

	_, err := s.dialErr("alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestStream_CloseAllEndsConnections(t *testing.T) {
	s := newStack(t, true, "alice")
	alice := s.dial(t, "alice")
	next(t, alice, domain.EventCaughtUp)

	s.hub.CloseAll()
	select {
	case <-alice.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection still open")
	}
	require.Eventually(t, func() bool { return s.hub.Count("alice") == 0 }, 5*time.Second, 10*time.Millisecond)
}
