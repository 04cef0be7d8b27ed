package roomstate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sonara-chat/sonara/internal/common/errors"
)

func testRoom(t *testing.T, seatCount int, members ...string) *Room {
	t.Helper()
	room := newRoom("room-1", "owner-1", seatCount)
	for i, userID := range members {
		room.AddMember(userID, time.Now().Add(time.Duration(i)*time.Millisecond))
	}
	return room
}

func TestRequestSeatLowestFree(t *testing.T) {
	room := testRoom(t, 4, "alice", "bob")

	idx, err := room.RequestSeat("alice", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, err = room.RequestSeat("bob", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	require.NoError(t, room.CheckSeatInvariant())
}

func TestRequestSeatPreferredIndexWins(t *testing.T) {
	room := testRoom(t, 4, "alice")

	preferred := 2
	idx, err := room.RequestSeat("alice", &preferred)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}

func TestRequestSeatOccupiedPreferenceFallsBack(t *testing.T) {
	room := testRoom(t, 4, "alice", "bob")

	preferred := 1
	_, err := room.RequestSeat("alice", &preferred)
	require.NoError(t, err)

	idx, err := room.RequestSeat("bob", &preferred)
	require.NoError(t, err)
	assert.Equal(t, 0, idx, "occupied preference falls back to lowest free")
}

func TestRequestSeatPreferredIndexOutOfRange(t *testing.T) {
	room := testRoom(t, 4, "alice")

	preferred := 9
	_, err := room.RequestSeat("alice", &preferred)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestRequestSeatNonMemberRejected(t *testing.T) {
	room := testRoom(t, 4)

	_, err := room.RequestSeat("stranger", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeAuthorization, apperrors.CodeOf(err))
}

func TestRequestSeatAlreadySeated(t *testing.T) {
	room := testRoom(t, 4, "alice")

	_, err := room.RequestSeat("alice", nil)
	require.NoError(t, err)

	_, err = room.RequestSeat("alice", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadySeated))
}

func TestRequestSeatNoneAvailable(t *testing.T) {
	room := testRoom(t, 2, "alice", "bob")

	_, err := room.RequestSeat("owner-1", nil)
	require.NoError(t, err)
	_, err = room.RequestSeat("alice", nil)
	require.NoError(t, err)

	_, err = room.RequestSeat("bob", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoSeatsAvailable))
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestReleaseSeatClearsFlags(t *testing.T) {
	room := testRoom(t, 4, "alice")

	idx, err := room.RequestSeat("alice", nil)
	require.NoError(t, err)

	room.Seats[idx].Muted = true
	room.Seats[idx].Speaking = true

	released, ok := room.ReleaseSeat("alice")
	require.True(t, ok)
	assert.Equal(t, idx, released)
	assert.Empty(t, room.Seats[idx].Occupant)
	assert.False(t, room.Seats[idx].Muted)
	assert.False(t, room.Seats[idx].Speaking)
}

func TestReleaseSeatWithoutSeatIsNoOp(t *testing.T) {
	room := testRoom(t, 4, "alice")

	idx, ok := room.ReleaseSeat("alice")
	assert.False(t, ok)
	assert.Equal(t, -1, idx)

	// Releasing twice is equally harmless.
	_, err := room.RequestSeat("alice", nil)
	require.NoError(t, err)
	_, ok = room.ReleaseSeat("alice")
	assert.True(t, ok)
	_, ok = room.ReleaseSeat("alice")
	assert.False(t, ok)
}

func TestAssignSeat(t *testing.T) {
	room := testRoom(t, 4, "alice", "bob")

	idx, err := room.AssignSeat("alice", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)

	_, err = room.AssignSeat("bob", 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSeatTaken))

	_, err = room.AssignSeat("alice", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAlreadySeated))

	_, err = room.AssignSeat("stranger", 1)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeAuthorization, apperrors.CodeOf(err))
}

func TestRemoveMemberFreesSeat(t *testing.T) {
	room := testRoom(t, 4, "alice")

	idx, err := room.RequestSeat("alice", nil)
	require.NoError(t, err)

	freed := room.RemoveMember("alice")
	assert.Equal(t, idx, freed)
	assert.False(t, room.IsMember("alice"))
	require.NoError(t, room.CheckSeatInvariant())

	freed = room.RemoveMember("alice")
	assert.Equal(t, -1, freed)
}

func TestPromoteSuccessorPrefersRankThenSeniority(t *testing.T) {
	room := testRoom(t, 4, "alice", "bob", "carol")
	room.Members["bob"].Role = RoleModerator

	room.RemoveMember("owner-1")
	successor := room.PromoteSuccessor()
	require.NotNil(t, successor)
	assert.Equal(t, "bob", successor.UserID)
	assert.Equal(t, RoleOwner, successor.Role)
	assert.Equal(t, "bob", room.OwnerID)

	// Equal ranks fall back to join order.
	room.RemoveMember("bob")
	successor = room.PromoteSuccessor()
	require.NotNil(t, successor)
	assert.Equal(t, "alice", successor.UserID)
}

func TestPromoteSuccessorEmptyRoom(t *testing.T) {
	room := testRoom(t, 4)
	room.RemoveMember("owner-1")
	assert.Nil(t, room.PromoteSuccessor())
}
