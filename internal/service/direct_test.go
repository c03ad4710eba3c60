package service

import (
	"context"
	"sync"
	"testing"

	"github.com/mhmohamad1380/DJ-Chat/internal/db/dbtest"
	"github.com/mhmohamad1380/DJ-Chat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type directFixture struct {
	db      *gorm.DB
	threads *ThreadService
	direct  *DirectService
	alice   models.User
	bob     models.User
	carol   models.User
}

func newDirectFixture(t *testing.T) *directFixture {
	t.Helper()
	gdb := dbtest.Open(t)
	return &directFixture{
		db:      gdb,
		threads: NewThreadService(gdb),
		direct:  NewDirectService(gdb),
		alice:   dbtest.User(t, gdb, "alice"),
		bob:     dbtest.User(t, gdb, "bob"),
		carol:   dbtest.User(t, gdb, "carol"),
	}
}

func TestGetOrCreateForUsers_OrderIndependent(t *testing.T) {
	f := newDirectFixture(t)
	ctx := context.Background()

	ab, err := f.threads.GetOrCreateForUsers(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	ba, err := f.threads.GetOrCreateForUsers(ctx, f.bob.ID, f.alice.ID)
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	assert.Equal(t, ab.UUID, ba.UUID)
	assert.Less(t, ab.UserAID, ab.UserBID)

	ac, err := f.threads.GetOrCreateForUsers(ctx, f.carol.ID, f.alice.ID)
	require.NoError(t, err)
	assert.NotEqual(t, ab.ID, ac.ID)

	_, err = f.threads.GetOrCreateForUsers(ctx, f.alice.ID, f.alice.ID)
	assert.ErrorIs(t, err, ErrSelfThread)
}

func TestGetOrCreateForUsers_Concurrent(t *testing.T) {
	f := newDirectFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]uint, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := f.alice.ID, f.bob.ID
			if i%2 == 1 {
				a, b = b, a
			}
			th, err := f.threads.GetOrCreateForUsers(ctx, a, b)
			if err == nil {
				ids[i] = th.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var n int64
	require.NoError(t, f.db.Model(&models.DirectThread{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestOpenWithUsername(t *testing.T) {
	f := newDirectFixture(t)
	ctx := context.Background()

	th, err := f.threads.OpenWithUsername(ctx, &f.alice, " bob ")
	require.NoError(t, err)
	assert.True(t, th.Has(f.bob.ID))

	_, err = f.threads.OpenWithUsername(ctx, &f.alice, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.threads.OpenWithUsername(ctx, &f.alice, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = f.threads.OpenWithUsername(ctx, &f.alice, "alice")
	assert.ErrorIs(t, err, ErrSelfThread)

	found, err := f.threads.Lookup(ctx, th.UUID)
	require.NoError(t, err)
	assert.Equal(t, th.ID, found.ID)
	_, err = f.threads.Lookup(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrThreadNotFound)

	parts, err := f.threads.Participants(ctx, found)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, []string{parts[0].Username, parts[1].Username})
}

func TestDirectSend_UpdatesLastMessageAt(t *testing.T) {
	f := newDirectFixture(t)
	ctx := context.Background()
	th, err := f.threads.GetOrCreateForUsers(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	assert.Nil(t, th.LastMessageAt)

	p, err := f.direct.Send(ctx, th, &f.alice, " hi bob ", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", p.Message)
	assert.Equal(t, th.UUID, p.RoomName)
	assert.Equal(t, "alice", p.Username)

	var msg models.DirectMessage
	require.NoError(t, f.db.First(&msg, p.ID).Error)
	assert.NotEqual(t, "hi bob", msg.Body)

	reloaded, err := f.threads.Lookup(ctx, th.UUID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastMessageAt)
	assert.False(t, reloaded.LastMessageAt.Before(msg.CreatedAt))

	list, err := f.threads.ListForUser(ctx, f.bob.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].Peer.Username)
}

func TestDirectSend_RejectsOutsiderAndEmpty(t *testing.T) {
	f := newDirectFixture(t)
	ctx := context.Background()
	th, err := f.threads.GetOrCreateForUsers(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	_, err = f.direct.Send(ctx, th, &f.carol, "let me in", nil)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = f.direct.Send(ctx, th, &f.alice, "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	var n int64
	require.NoError(t, f.db.Model(&models.DirectMessage{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestDirectSend_ReplyScopedToThread(t *testing.T) {
	f := newDirectFixture(t)
	ctx := context.Background()
	ab, err := f.threads.GetOrCreateForUsers(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	ac, err := f.threads.GetOrCreateForUsers(ctx, f.alice.ID, f.carol.ID)
	require.NoError(t, err)

	first, err := f.direct.Send(ctx, ab, &f.alice, "question?", nil)
	require.NoError(t, err)
	other, err := f.direct.Send(ctx, ac, &f.carol, "elsewhere", nil)
	require.NoError(t, err)

	ans, err := f.direct.Send(ctx, ab, &f.bob, "answer", &first.ID)
	require.NoError(t, err)
	require.NotNil(t, ans.ReplyTo)
	assert.Equal(t, first.ID, *ans.ReplyTo)
	assert.Equal(t, "question?", *ans.ReplyToMessage)
	assert.Equal(t, "alice", *ans.ReplyToUsername)

	dropped, err := f.direct.Send(ctx, ab, &f.bob, "no reply", &other.ID)
	require.NoError(t, err)
	assert.Nil(t, dropped.ReplyTo)
	assert.Nil(t, dropped.ReplyToMessage)
}

func TestDirectMessageHook_AbortsOnViolation(t *testing.T) {
	f := newDirectFixture(t)
	ctx := context.Background()
	ab, err := f.threads.GetOrCreateForUsers(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)
	ac, err := f.threads.GetOrCreateForUsers(ctx, f.alice.ID, f.carol.ID)
	require.NoError(t, err)
	other, err := f.direct.Send(ctx, ac, &f.carol, "elsewhere", nil)
	require.NoError(t, err)

	bad := models.DirectMessage{ThreadID: ab.ID, SenderID: f.alice.ID, ReplyToID: &other.ID, Plaintext: "x"}
	err = f.db.Omit("Thread", "Sender", "ReplyTo").Create(&bad).Error
	assert.ErrorIs(t, err, models.ErrReplyOutsideConversation)

	intruder := models.DirectMessage{ThreadID: ab.ID, SenderID: f.carol.ID, Plaintext: "x"}
	err = f.db.Omit("Thread", "Sender", "ReplyTo").Create(&intruder).Error
	assert.ErrorIs(t, err, models.ErrSenderNotParticipant)

	var n int64
	require.NoError(t, f.db.Model(&models.DirectMessage{}).Where("thread_id = ?", ab.ID).Count(&n).Error)
	assert.Zero(t, n)
}

func TestDirectList_OrderedByCreatedAtThenID(t *testing.T) {
	f := newDirectFixture(t)
	ctx := context.Background()
	th, err := f.threads.GetOrCreateForUsers(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	for _, text := range []string{"a", "b", "c"} {
		_, err := f.direct.Send(ctx, th, &f.alice, text, nil)
		require.NoError(t, err)
	}
	// 人为制造相同时间戳，验证 id 作为次序键
	require.NoError(t, f.db.Model(&models.DirectMessage{}).Where("thread_id = ?", th.ID).
		Update("created_at", th.CreatedAt).Error)

	out, err := f.direct.List(ctx, th, 50, 0)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Message)
	assert.Equal(t, "b", out[1].Message)
	assert.Equal(t, "c", out[2].Message)
}
