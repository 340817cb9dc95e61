package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"huddle/internal/domain"
	"huddle/internal/store/sqlite"
)

func setupDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.Migrate(db))
	return db
}

func seedUsers(t *testing.T, repo *sqlite.UserRepo, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, repo.Create(context.Background(), &domain.User{ID: id, DisplayName: id}))
	}
}

func TestUserRepo(t *testing.T) {
	ctx := context.Background()
	repo := sqlite.NewUserRepo(setupDB(t))
	seedUsers(t, repo, "bob", "alice")

	u, err := repo.GetByID(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.PresenceOffline, u.Presence)

	_, err = repo.GetByID(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.SetPresence(ctx, "alice", domain.PresenceOnline, time.Now()))
	u, err = repo.GetByID(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.PresenceOnline, u.Presence)

	require.ErrorIs(t, repo.SetPresence(ctx, "nobody", domain.PresenceOnline, time.Now()), domain.ErrNotFound)

	users, err := repo.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "alice", users[0].ID)
}

func TestUserRepo_Search(t *testing.T) {
	ctx := context.Background()
	repo := sqlite.NewUserRepo(setupDB(t))
	require.NoError(t, repo.Create(ctx, &domain.User{ID: "u1", DisplayName: "Alice Smith"}))
	require.NoError(t, repo.Create(ctx, &domain.User{ID: "u2", DisplayName: "Bob"}))
	require.NoError(t, repo.Create(ctx, &domain.User{ID: "smithy", DisplayName: "Carol"}))
	require.NoError(t, repo.Create(ctx, &domain.User{ID: "u4", DisplayName: "50_50"}))

	users, err := repo.Search(ctx, "SMITH", 0, 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "u1", users[0].ID)
	require.Equal(t, "smithy", users[1].ID)

	users, err = repo.Search(ctx, "SMITH", 1, 10)
	require.NoError(t, err)
	require.Len(t, users, 1)

	users, err = repo.Search(ctx, "0_5", 0, 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "u4", users[0].ID)

	users, err = repo.Search(ctx, "_", 0, 10)
	require.NoError(t, err)
	require.Len(t, users, 1, "underscore is literal")
}

func TestConversationRepo(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	users := sqlite.NewUserRepo(db)
	repo := sqlite.NewConversationRepo(db)
	seedUsers(t, users, "a", "b", "c")

	direct := &domain.Conversation{Kind: domain.KindDirect, MemberIDs: []string{"b", "a"}}
	require.NoError(t, repo.Create(ctx, direct))
	require.NotZero(t, direct.ID)

	group := &domain.Conversation{Kind: domain.KindGroup, Name: "Dev Team", MemberIDs: []string{"c", "a", "b"}}
	require.NoError(t, repo.Create(ctx, group))

	got, err := repo.GetByID(ctx, group.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, got.MemberIDs)
	require.Equal(t, domain.KindGroup, got.Kind)
	require.Equal(t, "Dev Team", got.Name)

	found, err := repo.FindDirect(ctx, "a", "b")
	require.NoError(t, err)
	require.Equal(t, direct.ID, found.ID)
	require.Equal(t, []string{"b", "a"}, found.MemberIDs)

	_, err = repo.FindDirect(ctx, "a", "c")
	require.ErrorIs(t, err, domain.ErrNotFound)

	dup := &domain.Conversation{Kind: domain.KindDirect, MemberIDs: []string{"a", "b"}}
	require.Error(t, repo.Create(ctx, dup), "direct pair is unique")

	list, err := repo.ListForUser(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, []string{"b", "a"}, list[0].MemberIDs)
	require.Equal(t, []string{"c", "a", "b"}, list[1].MemberIDs)
	require.Empty(t, list[0].Name)
	require.Equal(t, "Dev Team", list[1].Name)

	_, err = repo.GetByID(ctx, 9999)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConversationRepo_CursorIsMonotonic(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	seedUsers(t, sqlite.NewUserRepo(db), "a", "b")
	repo := sqlite.NewConversationRepo(db)

	c := &domain.Conversation{Kind: domain.KindDirect, MemberIDs: []string{"a", "b"}}
	require.NoError(t, repo.Create(ctx, c))

	require.NoError(t, repo.SaveCursor(ctx, &domain.ReadCursor{ConversationID: c.ID, UserID: "a", LastReadSeq: 5, AckedSeq: 7}))
	require.NoError(t, repo.SaveCursor(ctx, &domain.ReadCursor{ConversationID: c.ID, UserID: "a", LastReadSeq: 3, AckedSeq: 2}))

	cur, err := repo.GetCursor(ctx, c.ID, "a")
	require.NoError(t, err)
	require.EqualValues(t, 5, cur.LastReadSeq)
	require.EqualValues(t, 7, cur.AckedSeq)

	_, err = repo.GetCursor(ctx, c.ID, "zed")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMessageRepo(t *testing.T) {
	ctx := context.Background()
	db := setupDB(t)
	seedUsers(t, sqlite.NewUserRepo(db), "a", "b")
	conv := &domain.Conversation{Kind: domain.KindDirect, MemberIDs: []string{"a", "b"}}
	require.NoError(t, sqlite.NewConversationRepo(db).Create(ctx, conv))
	repo := sqlite.NewMessageRepo(db)

	last, err := repo.LastSeq(ctx, conv.ID)
	require.NoError(t, err)
	require.Zero(t, last)

	old := time.Now().Add(-time.Hour)
	for i, sender := range []string{"a", "b", "a"} {
		m := &domain.Message{ConversationID: conv.ID, Seq: int64(i + 1), SenderID: sender, Body: "m", CreatedAt: old.Add(time.Duration(i) * time.Second)}
		require.NoError(t, repo.Append(ctx, m))
		require.Equal(t, domain.DeliveryPending, m.State)
	}
	require.Error(t, repo.Append(ctx, &domain.Message{ConversationID: conv.ID, Seq: 2, SenderID: "a", Body: "dup"}))

	last, err = repo.LastSeq(ctx, conv.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, last)

	msgs, err := repo.ListAfter(ctx, conv.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.EqualValues(t, 2, msgs[0].Seq)
	require.EqualValues(t, 3, msgs[1].Seq)

	msgs, err = repo.ListAfter(ctx, conv.ID, 0, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = repo.ListAfter(ctx, conv.ID, 3, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	n, err := repo.CountAfter(ctx, conv.ID, 0, "b")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, repo.SetState(ctx, domain.MessageKey{ConversationID: conv.ID, Seq: 1}, domain.DeliveryDelivered))
	require.ErrorIs(t, repo.SetState(ctx, domain.MessageKey{ConversationID: conv.ID, Seq: 99}, domain.DeliveryDelivered), domain.ErrNotFound)

	changed, err := repo.TransitionState(ctx, domain.MessageKey{ConversationID: conv.ID, Seq: 1}, domain.DeliveryPending, domain.DeliveryFailed)
	require.NoError(t, err)
	require.False(t, changed, "seq 1 is already delivered")

	pending, err := repo.ListPendingBefore(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.EqualValues(t, 2, pending[0].Seq)

	pending, err = repo.ListPendingBefore(ctx, old, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	changed, err = repo.TransitionState(ctx, domain.MessageKey{ConversationID: conv.ID, Seq: 2}, domain.DeliveryPending, domain.DeliveryFailed)
	require.NoError(t, err)
	require.True(t, changed)
	pending, err = repo.ListPendingBefore(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.EqualValues(t, 3, pending[0].Seq)
}
