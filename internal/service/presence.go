package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"huddle/internal/domain"
	"huddle/internal/hub"
	"huddle/internal/keyedlock"
)

// PresenceObserver receives presence changes. It is called outside the
// registry's locks and must not block.
type PresenceObserver func(domain.PresenceChange)

// PresenceMirror copies presence to an external store.
type PresenceMirror interface {
	Set(ctx context.Context, userID string, p domain.Presence) error
}

// ContactLister resolves the users that share a conversation with a user.
type ContactLister interface {
	Contacts(ctx context.Context, userID string) ([]string, error)
}

type PresenceConfig struct {
	GracePeriod  time.Duration
	AwayAfter    time.Duration
	MultiSession bool
	SendBuffer   int
	LockTimeout  time.Duration
}

type userPresence struct {
	presence   domain.Presence
	lastActive time.Time
	grace      clockwork.Timer
	// gen invalidates grace timers armed before the latest connect or
	// disconnect.
	gen uint64
}

type observer struct {
	owner string
	fn    PresenceObserver
}

// PresenceRegistry tracks live sessions and derives each user's presence
// from them. A user whose last session goes away stays online for a grace
// period so that a quick reconnect is invisible to contacts.
type PresenceRegistry struct {
	users    domain.UserRepository
	contacts ContactLister
	hub      *hub.Hub
	mirror   PresenceMirror
	clock    clockwork.Clock
	log      *slog.Logger
	cfg      PresenceConfig

	// userLocks keeps the persisted and broadcast order of one user's
	// changes equal to the order they happened in.
	userLocks *keyedlock.Locker[string]

	mu        sync.Mutex
	states    map[string]*userPresence
	observers map[uint64]observer
	nextObs   uint64
	offline   []func(ctx context.Context, userID string)
	closed    bool
}

func NewPresenceRegistry(
	users domain.UserRepository,
	contacts ContactLister,
	h *hub.Hub,
	mirror PresenceMirror,
	clock clockwork.Clock,
	log *slog.Logger,
	cfg PresenceConfig,
) *PresenceRegistry {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	return &PresenceRegistry{
		users:     users,
		contacts:  contacts,
		hub:       h,
		mirror:    mirror,
		clock:     clock,
		log:       log.With("component", "presence"),
		cfg:       cfg,
		userLocks: keyedlock.New[string](cfg.LockTimeout),
		states:    make(map[string]*userPresence),
		observers: make(map[uint64]observer),
	}
}

// OnOffline registers a hook run after a user has gone offline.
func (r *PresenceRegistry) OnOffline(fn func(ctx context.Context, userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = append(r.offline, fn)
}

func (r *PresenceRegistry) stateLocked(userID string) *userPresence {
	st, ok := r.states[userID]
	if !ok {
		st = &userPresence{presence: domain.PresenceOffline}
		r.states[userID] = st
	}
	return st
}

// Connect attaches a new session for userID and marks the user online.
func (r *PresenceRegistry) Connect(ctx context.Context, userID string) (*hub.Session, error) {
	if _, err := r.users.GetByID(ctx, userID); err != nil {
		return nil, err
	}

	release, err := r.userLocks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	r.mu.Lock()
	if !r.cfg.MultiSession && r.hub.Count(userID) > 0 {
		r.mu.Unlock()
		return nil, domain.ErrAlreadyConnected
	}
	now := r.clock.Now().UTC()
	sess := hub.NewSession(userID, r.cfg.SendBuffer)
	r.hub.Attach(sess)

	st := r.stateLocked(userID)
	if st.grace != nil {
		st.grace.Stop()
		st.grace = nil
	}
	st.gen++
	st.lastActive = now
	prev := st.presence
	st.presence = domain.PresenceOnline
	r.mu.Unlock()

	r.log.Debug("session attached", "user_id", userID, "session_id", sess.ID)
	if prev != domain.PresenceOnline {
		r.publish(ctx, domain.PresenceChange{UserID: userID, Presence: domain.PresenceOnline, At: now})
	}
	return sess, nil
}

// Disconnect detaches sess. It is idempotent. When the user has no session
// left, a grace timer starts; the user goes offline if it fires before a new
// session attaches.
func (r *PresenceRegistry) Disconnect(sess *hub.Session) {
	sess.Close()

	r.mu.Lock()
	removed, remaining := r.hub.Detach(sess)
	if !removed || remaining > 0 || r.closed {
		r.mu.Unlock()
		return
	}
	st := r.stateLocked(sess.UserID)
	st.gen++
	gen := st.gen
	if st.grace != nil {
		st.grace.Stop()
		st.grace = nil
	}
	if r.cfg.GracePeriod > 0 {
		st.grace = r.clock.AfterFunc(r.cfg.GracePeriod, func() {
			r.expire(sess.UserID, gen)
		})
	}
	r.mu.Unlock()

	r.log.Debug("session detached", "user_id", sess.UserID, "session_id", sess.ID)
	if r.cfg.GracePeriod <= 0 {
		r.expire(sess.UserID, gen)
	}
}

// expire takes the user offline unless a session attached since the grace
// timer with generation gen was armed.
func (r *PresenceRegistry) expire(userID string, gen uint64) {
	ctx := context.Background()
	release, err := r.userLocks.Lock(ctx, userID)
	if err != nil {
		r.log.Warn("presence expiry deferred", "user_id", userID, "err", err)
		r.mu.Lock()
		if st, ok := r.states[userID]; ok && st.gen == gen && !r.closed {
			st.grace = r.clock.AfterFunc(time.Second, func() { r.expire(userID, gen) })
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	st, ok := r.states[userID]
	if !ok || st.gen != gen || r.hub.Count(userID) > 0 || st.presence == domain.PresenceOffline || r.closed {
		r.mu.Unlock()
		release()
		return
	}
	st.grace = nil
	st.presence = domain.PresenceOffline
	now := r.clock.Now().UTC()
	hooks := append([]func(context.Context, string){}, r.offline...)
	r.mu.Unlock()

	r.publish(ctx, domain.PresenceChange{UserID: userID, Presence: domain.PresenceOffline, At: now})
	release()

	for _, hook := range hooks {
		hook(ctx, userID)
	}
}

// Touch records activity on sess. An away user comes back online.
func (r *PresenceRegistry) Touch(ctx context.Context, sess *hub.Session) {
	release, err := r.userLocks.Lock(ctx, sess.UserID)
	if err != nil {
		r.log.Debug("heartbeat skipped", "user_id", sess.UserID, "err", err)
		return
	}
	defer release()

	r.mu.Lock()
	if r.hub.Count(sess.UserID) == 0 {
		r.mu.Unlock()
		return
	}
	now := r.clock.Now().UTC()
	st := r.stateLocked(sess.UserID)
	st.lastActive = now
	changed := st.presence != domain.PresenceOnline
	st.presence = domain.PresenceOnline
	r.mu.Unlock()

	if changed {
		r.publish(ctx, domain.PresenceChange{UserID: sess.UserID, Presence: domain.PresenceOnline, At: now})
	}
}

// SweepIdle marks users away whose last activity is older than the
// configured threshold, and refreshes the mirror for everyone else still
// attached. It returns the number of users moved to away.
func (r *PresenceRegistry) SweepIdle(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	var idle, active []string
	for userID, st := range r.states {
		if r.hub.Count(userID) == 0 {
			continue
		}
		if st.presence == domain.PresenceOnline && now.Sub(st.lastActive) >= r.cfg.AwayAfter {
			idle = append(idle, userID)
		} else if st.presence != domain.PresenceOffline {
			active = append(active, userID)
		}
	}
	r.mu.Unlock()

	moved := 0
	for _, userID := range idle {
		if r.markAway(ctx, userID, now) {
			moved++
		}
	}
	if r.mirror != nil {
		for _, userID := range active {
			if err := r.mirror.Set(ctx, userID, r.Status(userID)); err != nil {
				r.log.Warn("presence mirror refresh failed", "user_id", userID, "err", err)
			}
		}
	}
	return moved
}

func (r *PresenceRegistry) markAway(ctx context.Context, userID string, now time.Time) bool {
	release, err := r.userLocks.Lock(ctx, userID)
	if err != nil {
		return false
	}
	defer release()

	r.mu.Lock()
	st, ok := r.states[userID]
	if !ok || st.presence != domain.PresenceOnline || now.Sub(st.lastActive) < r.cfg.AwayAfter || r.hub.Count(userID) == 0 {
		r.mu.Unlock()
		return false
	}
	st.presence = domain.PresenceAway
	r.mu.Unlock()

	r.publish(ctx, domain.PresenceChange{UserID: userID, Presence: domain.PresenceAway, At: now.UTC()})
	return true
}

// Status returns the live presence of userID.
func (r *PresenceRegistry) Status(userID string) domain.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[userID]; ok {
		return st.presence
	}
	return domain.PresenceOffline
}

// Online returns the users whose presence is not offline.
func (r *PresenceRegistry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.states))
	for id, st := range r.states {
		if st.presence != domain.PresenceOffline {
			out = append(out, id)
		}
	}
	return out
}

// Subscribe registers fn for presence changes of ownerID and of every user
// sharing a conversation with ownerID. The returned func unsubscribes; it
// is idempotent and a no-op after Close.
func (r *PresenceRegistry) Subscribe(ownerID string, fn PresenceObserver) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return func() {}
	}
	id := r.nextObs
	r.nextObs++
	r.observers[id] = observer{owner: ownerID, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.observers, id)
		})
	}
}

// Close stops pending timers and drops every observer.
func (r *PresenceRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, st := range r.states {
		if st.grace != nil {
			st.grace.Stop()
			st.grace = nil
		}
	}
	clear(r.observers)
}

// publish persists, mirrors and broadcasts one change. Callers hold the
// user's lock so changes of one user are published in order.
func (r *PresenceRegistry) publish(ctx context.Context, change domain.PresenceChange) {
	if err := r.users.SetPresence(ctx, change.UserID, change.Presence, change.At); err != nil {
		r.log.Error("persist presence failed", "user_id", change.UserID, "presence", change.Presence, "err", err)
	}
	if r.mirror != nil {
		if err := r.mirror.Set(ctx, change.UserID, change.Presence); err != nil {
			r.log.Warn("presence mirror failed", "user_id", change.UserID, "err", err)
		}
	}

	audience := map[string]struct{}{change.UserID: {}}
	if r.contacts != nil {
		ids, err := r.contacts.Contacts(ctx, change.UserID)
		if err != nil {
			r.log.Error("resolve presence audience failed", "user_id", change.UserID, "err", err)
		}
		for _, id := range ids {
			audience[id] = struct{}{}
		}
	}

	r.mu.Lock()
	targets := make([]PresenceObserver, 0, len(r.observers))
	for _, o := range r.observers {
		if _, ok := audience[o.owner]; ok {
			targets = append(targets, o.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range targets {
		fn(change)
	}
	r.log.Info("presence changed", "user_id", change.UserID, "presence", change.Presence)
}
