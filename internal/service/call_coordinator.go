package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"huddle/internal/domain"
	"huddle/internal/hub"
	"huddle/internal/keyedlock"
)

// conversationLookup is the slice of the conversation store calls need.
type conversationLookup interface {
	GetConversation(ctx context.Context, id int64) (*domain.Conversation, error)
}

type CallConfig struct {
	AllowMultiScreenShare bool
	LockTimeout           time.Duration
	// UnjoinedTimeout ends a call nobody joined within this long.
	UnjoinedTimeout time.Duration
	// Retention is how long an ended call is remembered individually.
	// Older ids are covered by a watermark on their embedded time.
	Retention time.Duration
}

// CallCoordinator runs the roster state machine of audio/video calls:
// created -> active -> ended. Media never passes through here.
type CallCoordinator struct {
	convs conversationLookup
	hub   *hub.Hub
	clock clockwork.Clock
	log   *slog.Logger
	cfg   CallConfig

	locks *keyedlock.Locker[string]

	mu      sync.RWMutex
	calls   map[string]*domain.CallSession
	retired map[string]time.Time
	// forgotten is the newest id time among pruned retired calls. Call ids
	// are UUIDv7, so any id at or below it that is not live has ended.
	forgotten uuid.Time
	byUser  map[string]map[string]struct{}
}

func NewCallCoordinator(
	convs conversationLookup,
	h *hub.Hub,
	clock clockwork.Clock,
	log *slog.Logger,
	cfg CallConfig,
) *CallCoordinator {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.UnjoinedTimeout <= 0 {
		cfg.UnjoinedTimeout = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	return &CallCoordinator{
		convs:   convs,
		hub:     h,
		clock:   clock,
		log:     log.With("component", "calls"),
		cfg:     cfg,
		locks:   keyedlock.New[string](cfg.LockTimeout),
		calls:   make(map[string]*domain.CallSession),
		retired: make(map[string]time.Time),
		byUser:  make(map[string]map[string]struct{}),
	}
}

func snapshot(c *domain.CallSession) *domain.CallSession {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	if out.Participants == nil {
		out.Participants = []domain.Participant{}
	}
	return &out
}

func (c *CallCoordinator) checkMember(ctx context.Context, conversationID *int64, userID string) error {
	if conversationID == nil {
		return nil
	}
	conv, err := c.convs.GetConversation(ctx, *conversationID)
	if err != nil {
		return err
	}
	if !conv.HasMember(userID) {
		return domain.ErrNotAMember
	}
	return nil
}

// StartCall creates a call hosted by hostID. The host still has to Join.
func (c *CallCoordinator) StartCall(ctx context.Context, hostID string, conversationID *int64) (*domain.CallSession, error) {
	if err := c.checkMember(ctx, conversationID, hostID); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("call id: %w", err)
	}
	call := &domain.CallSession{
		ID:             id.String(),
		HostID:         hostID,
		ConversationID: conversationID,
		State:          domain.CallCreated,
		Participants:   []domain.Participant{},
		CreatedAt:      c.clock.Now().UTC(),
	}

	c.mu.Lock()
	c.calls[call.ID] = call
	c.mu.Unlock()

	c.log.Info("call started", "call_id", call.ID, "host_id", hostID)
	return snapshot(call), nil
}

// lookup returns the live call. Callers hold the call's lock.
func (c *CallCoordinator) lookup(callID string) (*domain.CallSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if call, ok := c.calls[callID]; ok {
		return call, nil
	}
	if _, ok := c.retired[callID]; ok {
		return nil, domain.ErrCallEnded
	}
	if id, err := uuid.Parse(callID); err == nil && id.Version() == 7 && id.Time() <= c.forgotten {
		return nil, domain.ErrCallEnded
	}
	return nil, domain.ErrNotFound
}

// Get returns a snapshot of a live call.
func (c *CallCoordinator) Get(ctx context.Context, callID string) (*domain.CallSession, error) {
	release, err := c.locks.Lock(ctx, callID)
	if err != nil {
		return nil, err
	}
	defer release()

	call, err := c.lookup(callID)
	if err != nil {
		return nil, err
	}
	return snapshot(call), nil
}

// Join adds userID to the roster and activates the call. Joining again
// returns the existing participant unchanged.
func (c *CallCoordinator) Join(ctx context.Context, callID, userID string) (*domain.Participant, error) {
	release, err := c.locks.Lock(ctx, callID)
	if err != nil {
		return nil, err
	}
	defer release()

	call, err := c.lookup(callID)
	if err != nil {
		return nil, err
	}
	if i := participantIndex(call, userID); i >= 0 {
		p := call.Participants[i]
		return &p, nil
	}
	if err := c.checkMember(ctx, call.ConversationID, userID); err != nil {
		return nil, err
	}

	p := domain.Participant{
		UserID:   userID,
		Muted:    false,
		VideoOn:  true,
		JoinedAt: c.clock.Now().UTC(),
	}
	call.Participants = append(call.Participants, p)
	call.State = domain.CallActive

	c.mu.Lock()
	calls := c.byUser[userID]
	if calls == nil {
		calls = make(map[string]struct{})
		c.byUser[userID] = calls
	}
	calls[callID] = struct{}{}
	c.mu.Unlock()

	c.log.Info("participant joined", "call_id", callID, "user_id", userID, "roster", len(call.Participants))
	c.emit(call)
	return &p, nil
}

// Leave removes userID from the roster. The last one out ends the call and
// its id can never be joined again.
func (c *CallCoordinator) Leave(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	release, err := c.lockAlways(ctx, callID)
	if err != nil {
		return nil, err
	}
	defer release()

	call, err := c.lookup(callID)
	if err != nil {
		return nil, err
	}
	i := participantIndex(call, userID)
	if i < 0 {
		return nil, domain.ErrNotAParticipant
	}
	call.Participants = slices.Delete(call.Participants, i, i+1)
	c.untrack(callID, userID)

	if len(call.Participants) == 0 {
		c.end(call)
	}
	c.log.Info("participant left", "call_id", callID, "user_id", userID, "roster", len(call.Participants))
	c.emit(call, userID)
	return snapshot(call), nil
}

// End terminates the call for everyone. Only the host may end it.
func (c *CallCoordinator) End(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	release, err := c.lockAlways(ctx, callID)
	if err != nil {
		return nil, err
	}
	defer release()

	call, err := c.lookup(callID)
	if err != nil {
		return nil, err
	}
	if call.HostID != userID {
		return nil, domain.ErrForbidden
	}
	former := make([]string, 0, len(call.Participants))
	for _, p := range call.Participants {
		former = append(former, p.UserID)
		c.untrack(callID, p.UserID)
	}
	call.Participants = call.Participants[:0]
	c.end(call)

	c.log.Info("call ended by host", "call_id", callID, "host_id", userID)
	c.emit(call, former...)
	return snapshot(call), nil
}

// end moves call to ended and retires its id. Callers hold the call's lock.
func (c *CallCoordinator) end(call *domain.CallSession) {
	now := c.clock.Now().UTC()
	call.State = domain.CallEnded
	call.EndedAt = &now

	c.mu.Lock()
	delete(c.calls, call.ID)
	c.retired[call.ID] = now
	c.mu.Unlock()
}

// Reap ends calls that were created but never joined within the unjoined
// timeout, telling their hosts, and compacts ended calls past retention
// into the id watermark. It returns how many calls it ended.
func (c *CallCoordinator) Reap(ctx context.Context, now time.Time) (int, error) {
	deadline := now.Add(-c.cfg.UnjoinedTimeout)

	c.mu.Lock()
	// State is guarded by the call's lock, so only the immutable CreatedAt
	// is read here; the state check happens under that lock below.
	var stale []string
	for id, call := range c.calls {
		if !call.CreatedAt.After(deadline) {
			stale = append(stale, id)
		}
	}
	forgetBefore := now.Add(-c.cfg.Retention)
	for id, at := range c.retired {
		if !at.Before(forgetBefore) {
			continue
		}
		delete(c.retired, id)
		if u, err := uuid.Parse(id); err == nil && u.Time() > c.forgotten {
			c.forgotten = u.Time()
		}
	}
	c.mu.Unlock()

	ended := 0
	for _, id := range stale {
		release, err := c.lockAlways(ctx, id)
		if err != nil {
			return ended, err
		}
		call, err := c.lookup(id)
		// A join may have won the lock first.
		if err == nil && call.State == domain.CallCreated && len(call.Participants) == 0 {
			c.end(call)
			ended++
			c.log.Info("unjoined call reaped", "call_id", id, "host_id", call.HostID)
			c.emit(call, call.HostID)
		}
		release()
	}
	return ended, nil
}

func (c *CallCoordinator) SetMute(ctx context.Context, callID, userID string, muted bool) (*domain.CallSession, error) {
	return c.update(ctx, callID, userID, func(_ *domain.CallSession, p *domain.Participant) error {
		p.Muted = muted
		return nil
	})
}

func (c *CallCoordinator) SetVideo(ctx context.Context, callID, userID string, on bool) (*domain.CallSession, error) {
	return c.update(ctx, callID, userID, func(_ *domain.CallSession, p *domain.Participant) error {
		p.VideoOn = on
		return nil
	})
}

// SetScreenShare toggles screen sharing. Only one participant may share at a
// time unless multiple sharers are allowed.
func (c *CallCoordinator) SetScreenShare(ctx context.Context, callID, userID string, on bool) (*domain.CallSession, error) {
	return c.update(ctx, callID, userID, func(call *domain.CallSession, p *domain.Participant) error {
		if on && !c.cfg.AllowMultiScreenShare {
			for _, other := range call.Participants {
				if other.UserID != userID && other.ScreenSharing {
					return domain.ErrScreenShareInUse
				}
			}
		}
		p.ScreenSharing = on
		return nil
	})
}

func (c *CallCoordinator) update(
	ctx context.Context,
	callID, userID string,
	apply func(*domain.CallSession, *domain.Participant) error,
) (*domain.CallSession, error) {
	release, err := c.locks.Lock(ctx, callID)
	if err != nil {
		return nil, err
	}
	defer release()

	call, err := c.lookup(callID)
	if err != nil {
		return nil, err
	}
	i := participantIndex(call, userID)
	if i < 0 {
		return nil, domain.ErrNotAParticipant
	}
	p := call.Participants[i]
	if err := apply(call, &p); err != nil {
		return nil, err
	}
	if p == call.Participants[i] {
		return snapshot(call), nil
	}
	call.Participants[i] = p
	c.emit(call)
	return snapshot(call), nil
}

// LeaveAll removes userID from every call it is in.
func (c *CallCoordinator) LeaveAll(ctx context.Context, userID string) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.byUser[userID]))
	for id := range c.byUser[userID] {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if _, err := c.Leave(ctx, id, userID); err != nil &&
			!errors.Is(err, domain.ErrNotAParticipant) && !errors.Is(err, domain.ErrCallEnded) {
			c.log.Error("leave call failed", "call_id", id, "user_id", userID, "err", err)
		}
	}
}

// lockAlways waits for the call's lock until ctx is done. Leaving and ending
// must not be refused because of contention.
func (c *CallCoordinator) lockAlways(ctx context.Context, callID string) (func(), error) {
	for {
		release, err := c.locks.Lock(ctx, callID)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, domain.ErrBusy) {
			return nil, err
		}
	}
}

func (c *CallCoordinator) untrack(callID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if calls, ok := c.byUser[userID]; ok {
		delete(calls, callID)
		if len(calls) == 0 {
			delete(c.byUser, userID)
		}
	}
}

// emit sends the roster to every participant and to extra recipients such
// as a user who just left.
func (c *CallCoordinator) emit(call *domain.CallSession, extra ...string) {
	evt := domain.Event{Type: domain.EventCallRoster, Call: snapshot(call)}
	for _, p := range call.Participants {
		c.hub.SendTo(p.UserID, evt)
	}
	for _, id := range extra {
		c.hub.SendTo(id, evt)
	}
}

func participantIndex(call *domain.CallSession, userID string) int {
	return slices.IndexFunc(call.Participants, func(p domain.Participant) bool {
		return p.UserID == userID
	})
}

// Retained reports how many ended calls are still remembered individually.
func (c *CallCoordinator) Retained() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.retired)
}

// Active reports how many calls are live.
func (c *CallCoordinator) Active() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calls)
}
