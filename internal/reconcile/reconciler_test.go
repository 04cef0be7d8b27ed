package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sonara-chat/sonara/internal/events"
	"github.com/sonara-chat/sonara/internal/protocol"
	"github.com/sonara-chat/sonara/internal/registry"
	"github.com/sonara-chat/sonara/internal/roomstate"
	"github.com/sonara-chat/sonara/internal/router"
)

type fakeTransport struct {
	mu     sync.Mutex
	events []*protocol.ServerEvent
}

func (f *fakeTransport) Send(ev *protocol.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) ofType(t protocol.ServerEventType) []*protocol.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.ServerEvent
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type nopWallet struct{}

func (nopWallet) DebitGift(context.Context, string, string, string, int) error { return nil }

type fixture struct {
	reg    *registry.Registry
	store  *roomstate.Store
	hub    *events.Hub
	router *router.Router
}

func newFixture() *fixture {
	logger := zap.NewNop()
	reg := registry.New(logger, true)
	store := roomstate.NewStore(logger, 4, 100, time.Minute)
	hub := events.NewHub(logger)
	return &fixture{
		reg:    reg,
		store:  store,
		hub:    hub,
		router: router.New(store, reg, hub, nopWallet{}, nil, logger, true),
	}
}

func (f *fixture) joinSeated(t *testing.T, userID, roomID string) (*registry.Conn, *fakeTransport) {
	t.Helper()
	conn, err := f.reg.Register(userID)
	require.NoError(t, err)
	tr := &fakeTransport{}
	f.hub.AddClient(conn.ID, userID, tr)

	require.NoError(t, f.router.Dispatch(context.Background(), conn.ID, &protocol.ClientEvent{
		Type:     protocol.EventRoomJoin,
		RoomJoin: &protocol.RoomJoinPayload{RoomID: roomID},
	}))
	require.NoError(t, f.router.Dispatch(context.Background(), conn.ID, &protocol.ClientEvent{
		Type:        protocol.EventSeatRequest,
		SeatRequest: &protocol.SeatRequestPayload{RoomID: roomID},
	}))
	return conn, tr
}

func TestSweepReclaimsExpiredConnection(t *testing.T) {
	f := newFixture()
	rec := New(f.reg, f.router, 20*time.Millisecond, nil, zap.NewNop())

	stale, _ := f.joinSeated(t, "stale", "room-1")
	fresh, freshTr := f.joinSeated(t, "fresh", "room-1")

	time.Sleep(40 * time.Millisecond)
	f.reg.Heartbeat(fresh.ID)

	assert.Equal(t, 1, rec.Sweep())

	// The survivor observes exactly one synthesized leave.
	require.Eventually(t, func() bool {
		return len(freshTr.ofType(protocol.EventRoomUserLeft)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	left := freshTr.ofType(protocol.EventRoomUserLeft)[0].Payload.(protocol.UserLeftPayload)
	assert.Equal(t, "stale", left.UserID)
	assert.Equal(t, protocol.LeaveReasonTimeout, left.Reason)

	// Seat freed through the normal path.
	require.NoError(t, f.store.View("room-1", func(room *roomstate.Room) error {
		_, seated := room.SeatOf("stale")
		assert.False(t, seated)
		assert.False(t, room.IsMember("stale"))
		return room.CheckSeatInvariant()
	}))

	// Connection gone; a second sweep finds nothing.
	_, ok := f.reg.Get(stale.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, rec.Sweep())
}

func TestSweepSurvivesVanishedRoom(t *testing.T) {
	f := newFixture()
	rec := New(f.reg, f.router, 10*time.Millisecond, nil, zap.NewNop())

	conn, _ := f.joinSeated(t, "alice", "room-1")
	require.NoError(t, f.store.Close("room-1", nil))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.Sweep(), "a dead room never blocks connection cleanup")

	_, ok := f.reg.Get(conn.ID)
	assert.False(t, ok)
}

func TestHandleDisconnectLeavesImmediately(t *testing.T) {
	f := newFixture()
	rec := New(f.reg, f.router, time.Hour, nil, zap.NewNop())

	f.reg.OnDisconnect(func(conn *registry.Conn) {
		f.hub.RemoveClient(conn.ID)
		rec.HandleDisconnect(conn)
	})

	dropped, _ := f.joinSeated(t, "dropped", "room-1")
	_, survivorTr := f.joinSeated(t, "survivor", "room-1")

	f.reg.Unregister(dropped.ID)

	require.Eventually(t, func() bool {
		return len(survivorTr.ofType(protocol.EventRoomUserLeft)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	left := survivorTr.ofType(protocol.EventRoomUserLeft)[0].Payload.(protocol.UserLeftPayload)
	assert.Equal(t, "dropped", left.UserID)
	assert.Equal(t, protocol.LeaveReasonTimeout, left.Reason)
}
