package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/sonara-chat/sonara/internal/common/errors"
)

func TestRegisterAndLookup(t *testing.T) {
	reg := New(zap.NewNop(), true)

	conn, err := reg.Register("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID)

	got, ok := reg.Get(conn.ID)
	require.True(t, ok)
	assert.Equal(t, "alice", got.UserID)

	byUser, ok := reg.ByUser("alice")
	require.True(t, ok)
	assert.Equal(t, conn.ID, byUser.ID)

	assert.Equal(t, 1, reg.Count())
}

func TestSingleSessionRejectsSecondConnection(t *testing.T) {
	reg := New(zap.NewNop(), true)

	_, err := reg.Register("alice")
	require.NoError(t, err)

	_, err = reg.Register("alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateConnection))
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestMultiSessionAllowsSecondConnection(t *testing.T) {
	reg := New(zap.NewNop(), false)

	first, err := reg.Register("alice")
	require.NoError(t, err)
	second, err := reg.Register("alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, reg.Count())
}

func TestUnregisterIdempotentAndFiresHandler(t *testing.T) {
	reg := New(zap.NewNop(), true)

	var fired int
	reg.OnDisconnect(func(conn *Conn) {
		fired++
		assert.Equal(t, "alice", conn.UserID)
	})

	conn, err := reg.Register("alice")
	require.NoError(t, err)

	reg.Unregister(conn.ID)
	reg.Unregister(conn.ID)

	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, reg.Count())
	_, ok := reg.ByUser("alice")
	assert.False(t, ok)
}

func TestRoomAssignment(t *testing.T) {
	reg := New(zap.NewNop(), true)

	conn, err := reg.Register("alice")
	require.NoError(t, err)

	_, ok := reg.RoomOf(conn.ID)
	assert.False(t, ok)

	reg.SetRoom(conn.ID, "room-1")
	roomID, ok := reg.RoomOf(conn.ID)
	require.True(t, ok)
	assert.Equal(t, "room-1", roomID)

	reg.ClearRoom(conn.ID)
	_, ok = reg.RoomOf(conn.ID)
	assert.False(t, ok)
}

func TestExpiredAndHeartbeat(t *testing.T) {
	reg := New(zap.NewNop(), true)

	stale, err := reg.Register("stale")
	require.NoError(t, err)
	fresh, err := reg.Register("fresh")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.True(t, reg.Heartbeat(fresh.ID))

	expired := reg.Expired(10 * time.Millisecond)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)

	// Expired does not remove; reconciliation owns that.
	assert.Equal(t, 2, reg.Count())
}

func TestHeartbeatUnknownConnection(t *testing.T) {
	reg := New(zap.NewNop(), true)
	assert.False(t, reg.Heartbeat("nope"))
}
