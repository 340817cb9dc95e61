package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"huddle/internal/domain"
)

var errDuplicateSeq = errors.New("message sequence already stored")

// MessageRepo keeps the message log in Badger. Messages live under
// "msg:{conversation}:{seq}" with both numbers zero padded, so a prefix scan
// yields a conversation in sequence order. Pending messages are also indexed
// under "pending:{conversation}:{seq}" for the overdue sweep.
type MessageRepo struct {
	db  *badger.DB
	log *slog.Logger
}

func NewMessageRepo(db *badger.DB, log *slog.Logger) *MessageRepo {
	return &MessageRepo{db: db, log: log}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func conversationPrefix(conversationID int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d:", conversationID))
}

func messageKey(conversationID, seq int64) []byte {
	return []byte(fmt.Sprintf("msg:%020d:%020d", conversationID, seq))
}

func pendingKey(conversationID, seq int64) []byte {
	return []byte(fmt.Sprintf("pending:%020d:%020d", conversationID, seq))
}

func (r *MessageRepo) Append(_ context.Context, m *domain.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.State == "" {
		m.State = domain.DeliveryPending
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := messageKey(m.ConversationID, m.Seq)
	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return errDuplicateSeq
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if m.State == domain.DeliveryPending {
			return txn.Set(pendingKey(m.ConversationID, m.Seq), nil)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *MessageRepo) LastSeq(_ context.Context, conversationID int64) (int64, error) {
	var seq int64
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := conversationPrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the largest possible key for the prefix, then step back.
		it.Seek(append(prefix, 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		_, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%d", &seq)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// scanAfter walks a conversation from afterSeq+1 upward, calling fn for each
// message until fn returns false.
func (r *MessageRepo) scanAfter(conversationID, afterSeq int64, fn func(*domain.Message) bool) error {
	return r.db.View(func(txn *badger.Txn) error {
		prefix := conversationPrefix(conversationID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(messageKey(conversationID, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			m := &domain.Message{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, m)
			}); err != nil {
				return err
			}
			if !fn(m) {
				return nil
			}
		}
		return nil
	})
}

func (r *MessageRepo) ListAfter(_ context.Context, conversationID, afterSeq int64, limit int) ([]*domain.Message, error) {
	msgs := []*domain.Message{}
	if limit <= 0 {
		return msgs, nil
	}
	err := r.scanAfter(conversationID, afterSeq, func(m *domain.Message) bool {
		msgs = append(msgs, m)
		return len(msgs) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func (r *MessageRepo) CountAfter(_ context.Context, conversationID, afterSeq int64, excludeSender string) (int, error) {
	var n int
	err := r.scanAfter(conversationID, afterSeq, func(m *domain.Message) bool {
		if m.SenderID != excludeSender {
			n++
		}
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (r *MessageRepo) SetState(_ context.Context, key domain.MessageKey, state domain.DeliveryState) error {
	_, err := r.updateState(key, "", state)
	return err
}

func (r *MessageRepo) TransitionState(_ context.Context, key domain.MessageKey, from, to domain.DeliveryState) (bool, error) {
	changed, err := r.updateState(key, from, to)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return changed, err
}

// updateState rewrites the stored message and its pending index entry in
// one transaction. A non-empty from makes the write conditional.
func (r *MessageRepo) updateState(key domain.MessageKey, from, to domain.DeliveryState) (bool, error) {
	changed := false
	err := r.db.Update(func(txn *badger.Txn) error {
		k := messageKey(key.ConversationID, key.Seq)
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		m := &domain.Message{}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, m)
		}); err != nil {
			return err
		}
		if from != "" && m.State != from {
			return nil
		}
		m.State = to
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := txn.Set(k, data); err != nil {
			return err
		}
		changed = true
		if to == domain.DeliveryPending {
			return txn.Set(pendingKey(key.ConversationID, key.Seq), nil)
		}
		return txn.Delete(pendingKey(key.ConversationID, key.Seq))
	})
	if errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("set message state: %w", err)
	}
	return changed, nil
}

func (r *MessageRepo) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]*domain.Message, error) {
	msgs := []*domain.Message{}
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte("pending:")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var conv, seq int64
			if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%d:%d", &conv, &seq); err != nil {
				r.log.Warn("skipping malformed pending key", "key", string(it.Item().Key()), "err", err)
				continue
			}
			item, err := txn.Get(messageKey(conv, seq))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			m := &domain.Message{}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, m)
			}); err != nil {
				return err
			}
			if m.State == domain.DeliveryPending && m.CreatedAt.Before(before) {
				msgs = append(msgs, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}
