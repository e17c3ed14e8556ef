package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ageniuscoder/mmchat/chatsync/internal/chat"
)

func newDB(t *testing.T) *Sqlite {
	t.Helper()
	db, err := New("file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func users(t *testing.T, db *Sqlite, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, len(names))
	for i, n := range names {
		id, err := db.EnsureUser(context.Background(), n)
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestMigrateIsRepeatable(t *testing.T) {
	db := newDB(t)
	assert.NoError(t, db.Migrate(context.Background()))
	assert.NoError(t, db.Ping(context.Background()))
}

func TestEnsureUser(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	a, err := db.EnsureUser(ctx, "ana")
	require.NoError(t, err)
	again, err := db.EnsureUser(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	name, err := db.Username(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "ana", name)

	_, err = db.Username(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.TouchUser(ctx, a, at))
	got, err := db.LastActive(ctx, a)
	require.NoError(t, err)
	assert.True(t, at.Equal(got))
}

func TestCreatePrivate(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	ids := users(t, db, "ana", "bo", "cy")

	id, created, err := db.CreatePrivate(ctx, ids[0], ids[1])
	require.NoError(t, err)
	assert.True(t, created)

	same, created, err := db.CreatePrivate(ctx, ids[1], ids[0])
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, same)

	_, _, err = db.CreatePrivate(ctx, ids[0], 999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = db.CreatePrivate(ctx, ids[0], ids[0])
	assert.ErrorIs(t, err, ErrNotParticipant)

	list, err := db.ListConversations(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bo", list[0].Name)
	assert.Equal(t, []int64{ids[0], ids[1]}, list[0].Participants)

	co, err := db.CoParticipants(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1]}, co)
}

func TestInsertMessage_IdempotentByClientID(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	ids := users(t, db, "ana", "bo", "cy")
	cid, _, err := db.CreatePrivate(ctx, ids[0], ids[1])
	require.NoError(t, err)

	in := chat.Message{
		ConversationID: cid,
		SenderID:       ids[0],
		ClientID:       "c-1",
		Body:           "hello",
		Attachments:    []chat.Attachment{{URL: "http://x/a.png", FileName: "a.png", FileType: "image/png", FileSize: 3}},
	}
	first, created, err := db.InsertMessage(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, first.ID)
	assert.Equal(t, "ana", first.SenderUsername)
	assert.Equal(t, chat.StatusSent, first.Status)
	assert.Equal(t, in.Attachments, first.Attachments)

	in.Body = "ignored"
	second, created, err := db.InsertMessage(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "hello", second.Body)

	_, _, err = db.InsertMessage(ctx, chat.Message{ConversationID: cid, SenderID: ids[2], Body: "intruder"})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestListMessagesAndMarkRead(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	ids := users(t, db, "ana", "bo")
	cid, _, err := db.CreatePrivate(ctx, ids[0], ids[1])
	require.NoError(t, err)

	last, err := db.MarkRead(ctx, cid, ids[1])
	require.NoError(t, err)
	assert.Zero(t, last, "empty conversation")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var sent []int64
	for i := 0; i < 5; i++ {
		m, _, err := db.InsertMessage(ctx, chat.Message{
			ConversationID: cid,
			SenderID:       ids[0],
			Body:           "m",
			SentAt:         base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		sent = append(sent, m.ID)
	}

	page, err := db.ListMessages(ctx, cid, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, sent[4], page[0].ID, "newest first")
	assert.Equal(t, sent[3], page[1].ID)

	older, err := db.ListMessages(ctx, cid, 2, 4)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, sent[0], older[0].ID)

	list, err := db.ListConversations(ctx, ids[1])
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 5, list[0].UnreadCount)

	last, err = db.MarkRead(ctx, cid, ids[1])
	require.NoError(t, err)
	assert.Equal(t, sent[4], last)

	list, err = db.ListConversations(ctx, ids[1])
	require.NoError(t, err)
	assert.Zero(t, list[0].UnreadCount)

	page, err = db.ListMessages(ctx, cid, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusRead, page[0].Status)

	_, err = db.MarkRead(ctx, cid, 999)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestCreateGroup(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	ids := users(t, db, "ana", "bo", "cy")

	cid, err := db.CreateGroup(ctx, ids[0], "project", []int64{ids[0], ids[1], ids[2]})
	require.NoError(t, err)

	members, err := db.Participants(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, ids, members)

	list, err := db.ListConversations(ctx, ids[2])
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsGroup)
	assert.Equal(t, "project", list[0].Name)
}
