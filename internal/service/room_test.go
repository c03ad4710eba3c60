package service

import (
	"context"
	"testing"

	"github.com/mhmohamad1380/DJ-Chat/internal/db/dbtest"
	"github.com/mhmohamad1380/DJ-Chat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomService_CreateAndLookup(t *testing.T) {
	gdb := dbtest.Open(t)
	ctx := context.Background()
	alice := dbtest.User(t, gdb, "alice")
	svc := NewRoomService(gdb, 5)

	dto, err := svc.Create(ctx, "Go Lovers", &alice)
	require.NoError(t, err)
	assert.Equal(t, "go-lovers", dto.Name)

	room, err := svc.Lookup(ctx, "GO-LOVERS")
	require.NoError(t, err)
	assert.Equal(t, dto.ID, room.ID)
	assert.NotEmpty(t, room.Key)

	ok, err := svc.IsMember(ctx, room.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok, "creator is granted on create")

	_, err = svc.Create(ctx, "go lovers", &alice)
	assert.ErrorIs(t, err, ErrRoomExists)

	_, err = svc.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRoomService_CreateLimit(t *testing.T) {
	gdb := dbtest.Open(t)
	ctx := context.Background()
	alice := dbtest.User(t, gdb, "alice")
	svc := NewRoomService(gdb, 2)

	_, err := svc.Create(ctx, "one", &alice)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "two", &alice)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "three", &alice)
	assert.ErrorIs(t, err, ErrRoomLimit)

	_, err = svc.Create(ctx, "!!!", &alice)
	assert.Error(t, err)
}

func TestRoomService_Grant(t *testing.T) {
	gdb := dbtest.Open(t)
	ctx := context.Background()
	alice := dbtest.User(t, gdb, "alice")
	bob := dbtest.User(t, gdb, "bob")
	svc := NewRoomService(gdb, 5)

	dto, err := svc.Create(ctx, "lobby", &alice)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Grant(ctx, "lobby", &bob, "bob"), ErrForbidden)
	assert.ErrorIs(t, svc.Grant(ctx, "lobby", &alice, "nobody"), ErrUserNotFound)
	require.NoError(t, svc.Grant(ctx, "lobby", &alice, "bob"))
	require.NoError(t, svc.Grant(ctx, "Lobby", &alice, "bob"), "granting twice is a no-op")

	members, err := svc.Members(ctx, dto.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{alice.ID, bob.ID}, members)

	rooms, err := svc.ListForUser(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "lobby", rooms[0].Name)
}

func newRoomFixture(t *testing.T) (*MessageService, *RoomService, models.User, models.User) {
	t.Helper()
	gdb := dbtest.Open(t)
	alice := dbtest.User(t, gdb, "alice")
	bob := dbtest.User(t, gdb, "bob")
	rooms := NewRoomService(gdb, 5)
	ctx := context.Background()
	for _, name := range []string{"lobby", "other"} {
		_, err := rooms.Create(ctx, name, &alice)
		require.NoError(t, err)
		require.NoError(t, rooms.Grant(ctx, name, &alice, "bob"))
	}
	return NewMessageService(gdb), rooms, alice, bob
}
