// Package hub tracks the live sessions of every connected user and fans
// events out to them without ever blocking the producer.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"huddle/internal/domain"
)

// Session is one attached client connection. Events queue in a bounded
// buffer drained by the transport goroutine that owns the connection.
type Session struct {
	ID          uuid.UUID
	UserID      string
	ConnectedAt time.Time

	out       chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(userID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		ID:          uuid.New(),
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		out:         make(chan domain.Event, buffer),
		done:        make(chan struct{}),
	}
}

// Notify queues evt without blocking. A session whose buffer is full is
// closed so that its client reconnects and catches up; Notify then reports
// false.
func (s *Session) Notify(evt domain.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- evt:
		return true
	default:
		s.Close()
		return false
	}
}

// Events is the outbound queue consumed by the transport writer.
func (s *Session) Events() <-chan domain.Event { return s.out }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close marks the session closed. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Hub indexes attached sessions by user ID.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[uuid.UUID]*Session
}

func New() *Hub {
	return &Hub{
		sessions: make(map[string]map[uuid.UUID]*Session),
	}
}

// Attach registers s and returns the number of sessions the user now has.
func (h *Hub) Attach(s *Session) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID := h.sessions[s.UserID]
	if byID == nil {
		byID = make(map[uuid.UUID]*Session)
		h.sessions[s.UserID] = byID
	}
	byID[s.ID] = s
	return len(byID)
}

// Detach removes s. It reports whether s was attached and how many sessions
// the user still has.
func (h *Hub) Detach(s *Session) (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID, ok := h.sessions[s.UserID]
	if !ok {
		return false, 0
	}
	if _, ok := byID[s.ID]; !ok {
		return false, len(byID)
	}
	delete(byID, s.ID)
	remaining := len(byID)
	if remaining == 0 {
		delete(h.sessions, s.UserID)
	}
	return true, remaining
}

// Count returns the number of attached sessions of userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Sessions returns a snapshot of the sessions attached for userID.
func (h *Hub) Sessions(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Session, 0, len(h.sessions[userID]))
	for _, s := range h.sessions[userID] {
		out = append(out, s)
	}
	return out
}

// Online returns the IDs of every user with at least one session.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		out = append(out, id)
	}
	return out
}

// SendTo pushes evt to every session of userID and returns how many
// accepted it.
func (h *Hub) SendTo(userID string, evt domain.Event) int {
	accepted := 0
	for _, s := range h.Sessions(userID) {
		if s.Notify(evt) {
			accepted++
		}
	}
	return accepted
}

// Broadcast pushes evt to every session of each of userIDs.
func (h *Hub) Broadcast(userIDs []string, evt domain.Event) {
	for _, id := range userIDs {
		h.SendTo(id, evt)
	}
}

// CloseAll closes every attached session and returns how many there were.
// Sessions stay attached until their owners detach them.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, byID := range h.sessions {
		for _, s := range byID {
			s.Close()
			n++
		}
	}
	return n
}
