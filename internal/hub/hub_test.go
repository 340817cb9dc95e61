package hub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/domain"
	"huddle/internal/hub"
)

func TestHub_AttachDetach(t *testing.T) {
	h := hub.New()
	a1 := hub.NewSession("alice", 4)
	a2 := hub.NewSession("alice", 4)

	assert.Equal(t, 1, h.Attach(a1))
	assert.Equal(t, 2, h.Attach(a2))
	assert.Equal(t, 2, h.Count("alice"))
	assert.ElementsMatch(t, []string{"alice"}, h.Online())

	ok, remaining := h.Detach(a1)
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	ok, _ = h.Detach(a1)
	assert.False(t, ok, "second detach is a no-op")

	ok, remaining = h.Detach(a2)
	assert.True(t, ok)
	assert.Zero(t, remaining)
	assert.Empty(t, h.Online())
}

func TestHub_SendToEverySession(t *testing.T) {
	h := hub.New()
	a1 := hub.NewSession("alice", 4)
	a2 := hub.NewSession("alice", 4)
	b := hub.NewSession("bob", 4)
	h.Attach(a1)
	h.Attach(a2)
	h.Attach(b)

	n := h.SendTo("alice", domain.Event{Type: domain.EventMessage})
	assert.Equal(t, 2, n)
	assert.Len(t, a1.Events(), 1)
	assert.Len(t, a2.Events(), 1)
	assert.Empty(t, b.Events())

	assert.Zero(t, h.SendTo("carol", domain.Event{Type: domain.EventMessage}))
}

func TestSession_OverflowCloses(t *testing.T) {
	s := hub.NewSession("alice", 2)
	require.True(t, s.Notify(domain.Event{Type: domain.EventMessage}))
	require.True(t, s.Notify(domain.Event{Type: domain.EventMessage}))

	assert.False(t, s.Notify(domain.Event{Type: domain.EventMessage}))
	assert.True(t, s.Closed())
	assert.False(t, s.Notify(domain.Event{Type: domain.EventMessage}), "closed sessions reject events")

	s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel must be closed")
	}
}

func TestHub_CloseAll(t *testing.T) {
	h := hub.New()
	a := hub.NewSession("alice", 1)
	b := hub.NewSession("bob", 1)
	h.Attach(a)
	h.Attach(b)

	assert.Equal(t, 2, h.CloseAll())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 1, h.Count("alice"), "closing does not detach")
}
