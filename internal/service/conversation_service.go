package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"huddle/internal/domain"
	"huddle/internal/keyedlock"
)

// BodyCipher seals message bodies before they reach the message log.
type BodyCipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(enc string) (string, error)
}

type ConversationConfig struct {
	MaxMessageRunes int
	DefaultPageSize int
	MaxPageSize     int
	LockTimeout     time.Duration
	// CacheSize bounds how many conversations keep their sequence state in
	// memory. Evicted ones reload from the store on next use.
	CacheSize    int64
	MaxNameRunes int
}

// convState caches what AppendMessage needs. It is only read or written
// while holding the conversation's lock, and is always rebuilt from the
// store after an eviction.
type convState struct {
	conv    *domain.Conversation
	lastSeq int64
}

// ConversationService owns conversations, their message logs and the
// per-member read cursors. Sequence assignment is serialized per
// conversation; different conversations never contend.
type ConversationService struct {
	convs    domain.ConversationRepository
	messages domain.MessageRepository
	users    domain.UserRepository
	cipher   BodyCipher
	clock    clockwork.Clock
	log      *slog.Logger
	cfg      ConversationConfig

	locks     *keyedlock.Locker[int64]
	pairLocks *keyedlock.Locker[string]

	cache *ristretto.Cache[int64, *convState]
}

func NewConversationService(
	convs domain.ConversationRepository,
	messages domain.MessageRepository,
	users domain.UserRepository,
	cipher BodyCipher,
	clock clockwork.Clock,
	log *slog.Logger,
	cfg ConversationConfig,
) *ConversationService {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	if cfg.MaxMessageRunes <= 0 {
		cfg.MaxMessageRunes = 5000
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10_000
	}
	if cfg.MaxNameRunes <= 0 {
		cfg.MaxNameRunes = 100
	}
	cache, err := ristretto.NewCache(&ristretto.Config[int64, *convState]{
		NumCounters:        cfg.CacheSize * 10,
		MaxCost:            cfg.CacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		// Only reachable with a zero-sized config, which the defaults rule out.
		panic(fmt.Sprintf("conversation cache: %v", err))
	}
	return &ConversationService{
		convs:     convs,
		messages:  messages,
		users:     users,
		cipher:    cipher,
		clock:     clock,
		log:       log.With("component", "conversations"),
		cfg:       cfg,
		locks:     keyedlock.New[int64](cfg.LockTimeout),
		pairLocks: keyedlock.New[string](cfg.LockTimeout),
		cache:     cache,
	}
}

// Close releases the state cache.
func (s *ConversationService) Close() {
	s.cache.Close()
}

// CreateOption adjusts a conversation before it is stored.
type CreateOption func(*domain.Conversation)

// WithName labels a group conversation.
func WithName(name string) CreateOption {
	return func(c *domain.Conversation) { c.Name = strings.TrimSpace(name) }
}

// CreateConversation validates membership and persists a new conversation.
// Duplicate member ids collapse to their first occurrence. A direct
// conversation is unique per pair: asking again returns the existing one.
func (s *ConversationService) CreateConversation(
	ctx context.Context,
	kind domain.ConversationKind,
	memberIDs []string,
	opts ...CreateOption,
) (*domain.Conversation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q: %w", kind, domain.ErrInvalidMembership)
	}
	var proto domain.Conversation
	for _, opt := range opts {
		opt(&proto)
	}
	if proto.Name != "" {
		if kind == domain.KindDirect {
			return nil, fmt.Errorf("direct conversations have no name: %w", domain.ErrInvalidInput)
		}
		if n := utf8.RuneCountInString(proto.Name); n > s.cfg.MaxNameRunes {
			return nil, fmt.Errorf("name has %d runes, limit is %d: %w", n, s.cfg.MaxNameRunes, domain.ErrInvalidInput)
		}
	}
	members := lo.Uniq(lo.Map(memberIDs, func(id string, _ int) string {
		return strings.TrimSpace(id)
	}))
	if lo.Contains(members, "") {
		return nil, fmt.Errorf("empty member id: %w", domain.ErrInvalidMembership)
	}
	switch kind {
	case domain.KindDirect:
		if len(members) != 2 {
			return nil, fmt.Errorf("direct conversation needs 2 distinct members, got %d: %w",
				len(members), domain.ErrInvalidMembership)
		}
	case domain.KindGroup:
		if len(members) < 2 {
			return nil, fmt.Errorf("group conversation needs at least 2 members, got %d: %w",
				len(members), domain.ErrInvalidMembership)
		}
	}
	for _, id := range members {
		if _, err := s.users.GetByID(ctx, id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("unknown member %q: %w", id, domain.ErrInvalidMembership)
			}
			return nil, fmt.Errorf("lookup member: %w", err)
		}
	}

	if kind == domain.KindDirect {
		return s.createDirect(ctx, members)
	}

	conv := &domain.Conversation{
		Kind:      kind,
		Name:      proto.Name,
		MemberIDs: members,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.convs.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.log.Info("conversation created", "conversation_id", conv.ID, "kind", conv.Kind, "name", conv.Name, "members", len(members))
	return conv, nil
}

func (s *ConversationService) createDirect(ctx context.Context, members []string) (*domain.Conversation, error) {
	release, err := s.pairLocks.Lock(ctx, domain.DirectKey(members[0], members[1]))
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := s.convs.FindDirect(ctx, members[0], members[1])
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}

	conv := &domain.Conversation{
		Kind:      domain.KindDirect,
		MemberIDs: members,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.convs.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.log.Info("conversation created", "conversation_id", conv.ID, "kind", conv.Kind, "members", 2)
	return conv, nil
}

// FindOrCreateDirect returns the direct conversation between a and b.
func (s *ConversationService) FindOrCreateDirect(ctx context.Context, a, b string) (*domain.Conversation, error) {
	if a == b {
		return nil, fmt.Errorf("direct conversation with self: %w", domain.ErrInvalidMembership)
	}
	conv, err := s.convs.FindDirect(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return s.CreateConversation(ctx, domain.KindDirect, []string{a, b})
}

func (s *ConversationService) GetConversation(ctx context.Context, id int64) (*domain.Conversation, error) {
	return s.convs.GetByID(ctx, id)
}

// Members returns the member ids of a conversation in creation order.
func (s *ConversationService) Members(ctx context.Context, id int64) ([]string, error) {
	conv, err := s.convs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv.MemberIDs, nil
}

// Contacts returns every user sharing at least one conversation with userID.
func (s *ConversationService) Contacts(ctx context.Context, userID string) ([]string, error) {
	convs, err := s.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := lo.Uniq(lo.FlatMap(convs, func(c *domain.Conversation, _ int) []string {
		return c.MemberIDs
	}))
	ids = lo.Without(ids, userID)
	sort.Strings(ids)
	return ids, nil
}

// ConversationSummary is a conversation as listed for one member.
// LastMessage is the newest message, decrypted, for previews.
type ConversationSummary struct {
	*domain.Conversation
	LastSeq     int64           `json:"last_seq"`
	LastReadSeq int64           `json:"last_read_seq"`
	UnreadCount int             `json:"unread_count"`
	LastMessage *domain.Message `json:"last_message,omitempty"`
}

// ListForUser returns every conversation of userID with its unread count
// and latest message.
func (s *ConversationService) ListForUser(ctx context.Context, userID string) ([]ConversationSummary, error) {
	convs, err := s.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		cur, err := s.convs.GetCursor(ctx, c.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("get cursor: %w", err)
		}
		last, err := s.messages.LastSeq(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		unread, err := s.messages.CountAfter(ctx, c.ID, cur.LastReadSeq, userID)
		if err != nil {
			return nil, err
		}
		var preview *domain.Message
		if last > 0 {
			msgs, err := s.messages.ListAfter(ctx, c.ID, last-1, 1)
			if err != nil {
				return nil, err
			}
			if err := s.open(msgs); err != nil {
				return nil, err
			}
			if len(msgs) > 0 {
				preview = msgs[0]
			}
		}
		out = append(out, ConversationSummary{
			Conversation: c,
			LastSeq:      last,
			LastReadSeq:  cur.LastReadSeq,
			UnreadCount:  unread,
			LastMessage:  preview,
		})
	}
	return out, nil
}

// state loads the cached conversation state. Callers hold the
// conversation's lock.
func (s *ConversationService) state(ctx context.Context, id int64) (*convState, error) {
	if st, ok := s.cache.Get(id); ok {
		return st, nil
	}

	conv, err := s.convs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	last, err := s.messages.LastSeq(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &convState{conv: conv, lastSeq: last}

	// Set is buffered; Wait makes the entry visible to the next holder of
	// this conversation's lock. A rejected Set only costs a reload.
	s.cache.Set(id, st, 1)
	s.cache.Wait()
	return st, nil
}

func (s *ConversationService) validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("empty message body: %w", domain.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(body); n > s.cfg.MaxMessageRunes {
		return fmt.Errorf("message body has %d runes, limit is %d: %w", n, s.cfg.MaxMessageRunes, domain.ErrInvalidInput)
	}
	return nil
}

// AppendMessage assigns the next sequence number and persists the message.
// A failed write leaves the sequence untouched, so numbers never skip.
func (s *ConversationService) AppendMessage(
	ctx context.Context,
	conversationID int64,
	senderID string,
	body string,
) (*domain.Message, error) {
	release, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !st.conv.HasMember(senderID) {
		return nil, domain.ErrNotAMember
	}
	if err := s.validateBody(body); err != nil {
		return nil, err
	}

	stored := body
	if s.cipher != nil {
		if stored, err = s.cipher.Encrypt(body); err != nil {
			return nil, fmt.Errorf("encrypt body: %w", err)
		}
	}

	m := &domain.Message{
		ConversationID: conversationID,
		Seq:            st.lastSeq + 1,
		SenderID:       senderID,
		Body:           stored,
		State:          domain.DeliveryPending,
		CreatedAt:      s.clock.Now().UTC(),
	}
	if err := s.messages.Append(ctx, m); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	st.lastSeq = m.Seq
	m.Body = body
	return m, nil
}

// ListMessages returns messages with seq > afterSeq in ascending order.
func (s *ConversationService) ListMessages(
	ctx context.Context,
	conversationID int64,
	afterSeq int64,
	limit int,
) ([]*domain.Message, error) {
	if _, err := s.convs.GetByID(ctx, conversationID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = s.cfg.DefaultPageSize
	case limit > s.cfg.MaxPageSize:
		limit = s.cfg.MaxPageSize
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	msgs, err := s.messages.ListAfter(ctx, conversationID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	if err := s.open(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *ConversationService) open(msgs []*domain.Message) error {
	if s.cipher == nil {
		return nil
	}
	for _, m := range msgs {
		plain, err := s.cipher.Decrypt(m.Body)
		if err != nil {
			return fmt.Errorf("decrypt message %d/%d: %w", m.ConversationID, m.Seq, err)
		}
		m.Body = plain
	}
	return nil
}

// UnreadCount is the number of messages after the user's read marker that
// the user did not send.
func (s *ConversationService) UnreadCount(ctx context.Context, conversationID int64, userID string) (int, error) {
	cur, err := s.cursor(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	return s.messages.CountAfter(ctx, conversationID, cur.LastReadSeq, userID)
}

// Cursor returns the read cursor of a member.
func (s *ConversationService) Cursor(ctx context.Context, conversationID int64, userID string) (*domain.ReadCursor, error) {
	return s.cursor(ctx, conversationID, userID)
}

func (s *ConversationService) cursor(ctx context.Context, conversationID int64, userID string) (*domain.ReadCursor, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(userID) {
		return nil, domain.ErrNotAMember
	}
	return s.convs.GetCursor(ctx, conversationID, userID)
}

// MarkRead advances the user's read marker. Lower values are ignored and
// values beyond the latest message clamp to it.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID int64, userID string, seq int64) (*domain.ReadCursor, error) {
	return s.advance(ctx, conversationID, userID, seq, func(c *domain.ReadCursor, seq int64) {
		c.LastReadSeq = max(c.LastReadSeq, seq)
	})
}

// Acknowledge advances the highest sequence any of the user's sessions has
// confirmed receiving. Catch-up resumes after it.
func (s *ConversationService) Acknowledge(ctx context.Context, conversationID int64, userID string, seq int64) (*domain.ReadCursor, error) {
	return s.advance(ctx, conversationID, userID, seq, func(c *domain.ReadCursor, seq int64) {
		c.AckedSeq = max(c.AckedSeq, seq)
	})
}

func (s *ConversationService) advance(
	ctx context.Context,
	conversationID int64,
	userID string,
	seq int64,
	apply func(*domain.ReadCursor, int64),
) (*domain.ReadCursor, error) {
	release, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := s.state(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !st.conv.HasMember(userID) {
		return nil, domain.ErrNotAMember
	}
	cur, err := s.convs.GetCursor(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	seq = min(seq, st.lastSeq)
	before := *cur
	apply(cur, seq)
	if *cur == before {
		return cur, nil
	}
	if err := s.convs.SaveCursor(ctx, cur); err != nil {
		return nil, fmt.Errorf("save cursor: %w", err)
	}
	return cur, nil
}
