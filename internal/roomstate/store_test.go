package roomstate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/sonara-chat/sonara/internal/common/errors"
)

func testStore(seatCount int) *Store {
	return NewStore(zap.NewNop(), seatCount, 100, time.Minute)
}

func TestApplyUnknownRoom(t *testing.T) {
	store := testStore(4)

	err := store.Apply("nope", func(*Room) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRoomNotFound))
}

func TestApplyOrCreateSeedsOwner(t *testing.T) {
	store := testStore(4)

	err := store.ApplyOrCreate("room-1", "alice", func(room *Room, created bool) error {
		assert.True(t, created)
		assert.Equal(t, "alice", room.OwnerID)
		member, ok := room.Member("alice")
		require.True(t, ok)
		assert.Equal(t, RoleOwner, member.Role)
		assert.Len(t, room.Seats, 4)
		return nil
	})
	require.NoError(t, err)

	err = store.ApplyOrCreate("room-1", "bob", func(room *Room, created bool) error {
		assert.False(t, created)
		assert.Equal(t, "alice", room.OwnerID, "second joiner never steals ownership")
		return nil
	})
	require.NoError(t, err)
}

func TestApplyRejectedAfterClose(t *testing.T) {
	store := testStore(4)

	require.NoError(t, store.ApplyOrCreate("room-1", "alice", func(*Room, bool) error { return nil }))
	require.NoError(t, store.Close("room-1", nil))

	err := store.Apply("room-1", func(*Room) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRoomClosed))

	err = store.ApplyOrCreate("room-1", "bob", func(*Room, bool) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRoomClosed))
}

func TestCloseCallbackSeesFinalState(t *testing.T) {
	store := testStore(4)

	require.NoError(t, store.ApplyOrCreate("room-1", "alice", func(room *Room, _ bool) error {
		room.AddMember("bob", time.Now())
		return nil
	}))

	var seen int
	require.NoError(t, store.Close("room-1", func(room *Room) error {
		seen = len(room.Members)
		return nil
	}))
	assert.Equal(t, 2, seen, "eviction broadcast runs before members are dropped")
}

func TestCloseCallbackErrorAborts(t *testing.T) {
	store := testStore(4)
	require.NoError(t, store.ApplyOrCreate("room-1", "alice", func(*Room, bool) error { return nil }))

	boom := apperrors.Authorization("only the owner can close the room")
	err := store.Close("room-1", func(*Room) error { return boom })
	require.Error(t, err)

	// Room stays open when the callback refuses.
	require.NoError(t, store.Apply("room-1", func(*Room) error { return nil }))
}

func TestConcurrentSeatRequestsSingleWinner(t *testing.T) {
	store := testStore(1)

	require.NoError(t, store.ApplyOrCreate("room-1", "owner", func(room *Room, _ bool) error {
		for _, u := range []string{"u1", "u2", "u3", "u4"} {
			room.AddMember(u, time.Now())
		}
		return nil
	}))

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			results <- store.Apply("room-1", func(room *Room) error {
				_, err := room.RequestSeat(userID, nil)
				return err
			})
		}(u)
	}
	wg.Wait()
	close(results)

	won, lost := 0, 0
	for err := range results {
		if err == nil {
			won++
		} else {
			assert.True(t, errors.Is(err, apperrors.ErrNoSeatsAvailable))
			lost++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 3, lost)

	require.NoError(t, store.View("room-1", func(room *Room) error {
		return room.CheckSeatInvariant()
	}))
}

func TestSweepDestroysClosedAndIdleRooms(t *testing.T) {
	store := NewStore(zap.NewNop(), 4, 100, 10*time.Millisecond)

	require.NoError(t, store.ApplyOrCreate("closed", "alice", func(*Room, bool) error { return nil }))
	require.NoError(t, store.Close("closed", nil))

	require.NoError(t, store.ApplyOrCreate("idle", "bob", func(room *Room, _ bool) error {
		room.RemoveMember("bob")
		return nil
	}))

	require.NoError(t, store.ApplyOrCreate("live", "carol", func(*Room, bool) error { return nil }))

	time.Sleep(20 * time.Millisecond)
	removed := store.sweep()

	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, store.Count())
	assert.Equal(t, []string{"live"}, store.RoomIDs())
}

func TestSweepKeepsRepopulatedRoom(t *testing.T) {
	store := NewStore(zap.NewNop(), 4, 100, 10*time.Millisecond)

	require.NoError(t, store.ApplyOrCreate("room-1", "alice", func(room *Room, _ bool) error {
		room.RemoveMember("alice")
		return nil
	}))
	require.NoError(t, store.Apply("room-1", func(room *Room) error {
		room.AddMember("bob", time.Now())
		return nil
	}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, store.sweep(), "rejoin resets the empty clock")
}

func TestOccupiedSeats(t *testing.T) {
	store := testStore(4)

	require.NoError(t, store.ApplyOrCreate("a", "alice", func(room *Room, _ bool) error {
		_, err := room.RequestSeat("alice", nil)
		return err
	}))
	require.NoError(t, store.ApplyOrCreate("b", "bob", func(room *Room, _ bool) error {
		_, err := room.RequestSeat("bob", nil)
		return err
	}))

	assert.Equal(t, 2, store.OccupiedSeats())
}
