package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/domain"
	"huddle/internal/service"
)

func TestSend_FansOutToRecipientsAndMarksDelivered(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob", "carol"})
	ctx := context.Background()
	g := e.group(t, "alice", "bob", "carol")

	alice := e.connect(t, "alice")
	bob1 := e.connect(t, "bob")
	bob2 := e.connect(t, "bob")
	carol := e.connect(t, "carol")
	drain(alice)
	drain(bob1)
	drain(bob2)
	drain(carol)

	m, err := e.delivery.Send(ctx, g.ID, "alice", "standup in 5")
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Seq)

	for _, evts := range [][]domain.Event{drain(bob1), drain(bob2), drain(carol)} {
		msgs := ofType(evts, domain.EventMessage)
		require.Len(t, msgs, 1)
		assert.Equal(t, "standup in 5", msgs[0].Message.Body)
	}

	aliceEvts := drain(alice)
	assert.Empty(t, ofType(aliceEvts, domain.EventMessage), "no echo by default")
	states := ofType(aliceEvts, domain.EventMessageState)
	require.Len(t, states, 1)
	assert.Equal(t, domain.DeliveryDelivered, states[0].Message.State)
	assert.EqualValues(t, 1, states[0].Message.Seq)

	stored, err := e.msgRepo.ListAfter(ctx, g.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, stored[0].State)
	assert.Zero(t, e.delivery.Outstanding())
}

func TestSend_EchoPolicy(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"}, withDelivery(service.DeliveryConfig{Echo: true, PendingTimeout: time.Hour}))
	ctx := context.Background()
	c := e.direct(t, "alice", "bob")
	alice := e.connect(t, "alice")
	drain(alice)

	_, err := e.delivery.Send(ctx, c.ID, "alice", "hi")
	require.NoError(t, err)

	msgs := ofType(drain(alice), domain.EventMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Message.SenderID)
}

func TestSend_OfflineRecipientStaysPendingUntilCatchUp(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()
	c := e.direct(t, "alice", "bob")
	alice := e.connect(t, "alice")
	drain(alice)

	for _, body := range []string{"one", "two", "three"} {
		_, err := e.delivery.Send(ctx, c.ID, "alice", body)
		require.NoError(t, err)
	}
	assert.Empty(t, ofType(drain(alice), domain.EventMessageState))
	assert.Equal(t, 3, e.delivery.Outstanding())

	bob := e.connect(t, "bob")
	drain(bob)
	n, err := e.delivery.CatchUp(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs := ofType(drain(bob), domain.EventMessage)
	require.Len(t, msgs, 3)
	for i, evt := range msgs {
		assert.EqualValues(t, i+1, evt.Message.Seq, "catch-up is ascending")
	}
	assert.Len(t, ofType(drain(alice), domain.EventMessageState), 3)
	assert.Zero(t, e.delivery.Outstanding())
}

func TestCatchUp_ResumesAfterAcknowledged(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()
	c := e.direct(t, "alice", "bob")
	for i := 0; i < 4; i++ {
		_, err := e.delivery.Send(ctx, c.ID, "alice", "m")
		require.NoError(t, err)
	}

	_, err := e.delivery.Ack(ctx, c.ID, "bob", 2)
	require.NoError(t, err)

	bob := e.connect(t, "bob")
	drain(bob)
	n, err := e.delivery.CatchUp(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := ofType(drain(bob), domain.EventMessage)
	require.Len(t, msgs, 2)
	assert.EqualValues(t, 3, msgs[0].Message.Seq)
	assert.EqualValues(t, 4, msgs[1].Message.Seq)
}

func TestSend_OverflowingSessionIsClosed(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"}, withPresence(service.PresenceConfig{
		GracePeriod: time.Second, AwayAfter: time.Minute, MultiSession: true, SendBuffer: 2,
	}))
	ctx := context.Background()
	c := e.direct(t, "alice", "bob")
	bob := e.connect(t, "bob")
	drain(bob)

	for i := 0; i < 3; i++ {
		_, err := e.delivery.Send(ctx, c.ID, "alice", "flood")
		require.NoError(t, err)
	}
	assert.True(t, bob.Closed())
	assert.Equal(t, 1, e.delivery.Outstanding(), "the overflowing message stays pending")
}

func TestSend_RejectionsReachTheCaller(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob", "carol"})
	ctx := context.Background()
	c := e.direct(t, "alice", "bob")

	_, err := e.delivery.Send(ctx, c.ID, "carol", "hi")
	assert.ErrorIs(t, err, domain.ErrNotAMember)
	_, err = e.delivery.Send(ctx, 777, "alice", "hi")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.delivery.Send(ctx, c.ID, "alice", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Zero(t, e.delivery.Outstanding())
}

func TestSendDirect_CreatesConversationOnce(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()

	m1, err := e.delivery.SendDirect(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	m2, err := e.delivery.SendDirect(ctx, "bob", "alice", "hello")
	require.NoError(t, err)

	assert.Equal(t, m1.ConversationID, m2.ConversationID)
	assert.EqualValues(t, 1, m1.Seq)
	assert.EqualValues(t, 2, m2.Seq)
}

func TestSweepOverdue_FailsThenCatchUpDelivers(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()
	c := e.direct(t, "alice", "bob")
	alice := e.connect(t, "alice")
	drain(alice)

	_, err := e.delivery.Send(ctx, c.ID, "alice", "anyone there?")
	require.NoError(t, err)

	n, err := e.delivery.SweepOverdue(ctx, e.clock.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "not overdue yet")

	n, err = e.delivery.SweepOverdue(ctx, e.clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	states := ofType(drain(alice), domain.EventMessageState)
	require.Len(t, states, 1)
	assert.Equal(t, domain.DeliveryFailed, states[0].Message.State)

	bob := e.connect(t, "bob")
	_, err = e.delivery.CatchUp(ctx, bob)
	require.NoError(t, err)

	states = ofType(drain(alice), domain.EventMessageState)
	require.Len(t, states, 1)
	assert.Equal(t, domain.DeliveryDelivered, states[0].Message.State)
}

func TestSend_AcceptedReachesOriginBeforeDelivered(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()
	c := e.direct(t, "alice", "bob")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	drain(alice)
	drain(bob)

	_, err := e.delivery.Send(ctx, c.ID, "alice", "ping", service.WithAccepted(func(m *domain.Message) {
		alice.Notify(domain.Event{Type: domain.EventMessageState, Message: m})
	}))
	require.NoError(t, err)

	states := ofType(drain(alice), domain.EventMessageState)
	require.Len(t, states, 2)
	assert.Equal(t, domain.DeliveryPending, states[0].Message.State)
	assert.Equal(t, "ping", states[0].Message.Body)
	assert.Equal(t, domain.DeliveryDelivered, states[1].Message.State)
	assert.EqualValues(t, 1, states[1].Message.Seq)
}

// catchUpAfterList runs hook right after the overdue messages are listed,
// the way a reconnect can land between the sweep's read and its write.
type catchUpAfterList struct {
	domain.MessageRepository
	hook func()
}

func (r *catchUpAfterList) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*domain.Message, error) {
	msgs, err := r.MessageRepository.ListPendingBefore(ctx, before, limit)
	if r.hook != nil {
		r.hook()
	}
	return msgs, err
}

func TestSweepOverdue_SkipsMessageDeliveredMeanwhile(t *testing.T) {
	repo := &catchUpAfterList{}
	e := newEnv(t, []string{"alice", "bob"}, withMessages(func(r domain.MessageRepository) domain.MessageRepository {
		repo.MessageRepository = r
		return repo
	}))
	ctx := context.Background()
	c := e.direct(t, "alice", "bob")
	alice := e.connect(t, "alice")
	drain(alice)

	_, err := e.delivery.Send(ctx, c.ID, "alice", "late")
	require.NoError(t, err)

	repo.hook = func() {
		bob := e.connect(t, "bob")
		_, err := e.delivery.CatchUp(ctx, bob)
		require.NoError(t, err)
	}
	n, err := e.delivery.SweepOverdue(ctx, e.clock.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	states := ofType(drain(alice), domain.EventMessageState)
	require.Len(t, states, 1)
	assert.Equal(t, domain.DeliveryDelivered, states[0].Message.State)

	stored, err := e.msgRepo.ListAfter(ctx, c.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, stored[0].State)
}

func TestMarkRead_NotifiesOwnSessions(t *testing.T) {
	e := newEnv(t, []string{"alice", "bob"})
	ctx := context.Background()
	c := e.direct(t, "alice", "bob")
	_, err := e.delivery.Send(ctx, c.ID, "alice", "hi")
	require.NoError(t, err)

	phone := e.connect(t, "bob")
	drain(phone)
	cur, err := e.delivery.MarkRead(ctx, c.ID, "bob", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cur.LastReadSeq)

	markers := ofType(drain(phone), domain.EventReadMarker)
	require.Len(t, markers, 1)
	assert.EqualValues(t, 1, markers[0].ReadCursor.LastReadSeq)
}
