package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sonara-chat/sonara/internal/protocol"
)

type recordingTransport struct {
	mu     sync.Mutex
	events []*protocol.ServerEvent
}

func (r *recordingTransport) Send(ev *protocol.ServerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBroadcastReachesSubscribersOnly(t *testing.T) {
	hub := NewHub(zap.NewNop())

	inTr := &recordingTransport{}
	outTr := &recordingTransport{}
	hub.AddClient("in", "alice", inTr)
	hub.AddClient("out", "bob", outTr)

	require.True(t, hub.Subscribe("in", "room-1"))

	hub.BroadcastToRoom("room-1", protocol.NewServerEvent(protocol.EventSeatUpdated, "room-1", nil))

	require.Eventually(t, func() bool { return inTr.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, outTr.count())
}

func TestBroadcastExclude(t *testing.T) {
	hub := NewHub(zap.NewNop())

	aTr := &recordingTransport{}
	bTr := &recordingTransport{}
	hub.AddClient("a", "alice", aTr)
	hub.AddClient("b", "bob", bTr)
	hub.Subscribe("a", "room-1")
	hub.Subscribe("b", "room-1")

	hub.BroadcastToRoom("room-1", protocol.NewServerEvent(protocol.EventSeatUpdated, "room-1", nil), "a")

	require.Eventually(t, func() bool { return bTr.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, aTr.count())
}

func TestDeliverToSingleClient(t *testing.T) {
	hub := NewHub(zap.NewNop())

	aTr := &recordingTransport{}
	bTr := &recordingTransport{}
	hub.AddClient("a", "alice", aTr)
	hub.AddClient("b", "bob", bTr)

	hub.DeliverTo("a", protocol.NewServerEvent(protocol.EventError, "", nil))
	hub.DeliverTo("ghost", protocol.NewServerEvent(protocol.EventError, "", nil))

	require.Eventually(t, func() bool { return aTr.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, bTr.count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())

	tr := &recordingTransport{}
	hub.AddClient("a", "alice", tr)
	hub.Subscribe("a", "room-1")
	hub.Unsubscribe("a", "room-1")

	hub.BroadcastToRoom("room-1", protocol.NewServerEvent(protocol.EventSeatUpdated, "room-1", nil))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, tr.count())
	assert.Equal(t, 0, hub.RoomSubscriberCount("room-1"))
}

func TestRemoveClientCleansRoomIndex(t *testing.T) {
	hub := NewHub(zap.NewNop())

	tr := &recordingTransport{}
	hub.AddClient("a", "alice", tr)
	hub.Subscribe("a", "room-1")

	hub.RemoveClient("a")
	assert.Equal(t, 0, hub.RoomSubscriberCount("room-1"))
	assert.Equal(t, 0, hub.ClientCount())

	// Idempotent.
	hub.RemoveClient("a")
}

func TestSubscribeUnknownClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	assert.False(t, hub.Subscribe("ghost", "room-1"))
}

func TestTapMirrorsBroadcasts(t *testing.T) {
	hub := NewHub(zap.NewNop())
	tap := hub.Tap(4)

	tr := &recordingTransport{}
	hub.AddClient("a", "alice", tr)
	hub.Subscribe("a", "room-1")

	sent := protocol.NewServerEvent(protocol.EventGiftReceived, "room-1", nil)
	hub.BroadcastToRoom("room-1", sent)

	select {
	case got := <-tap:
		assert.Equal(t, sent.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("tap received nothing")
	}
}

func TestTapOverflowDropsAndCounts(t *testing.T) {
	hub := NewHub(zap.NewNop())

	var drops int
	hub.OnTapDrop(func() { drops++ })

	_ = hub.Tap(1)

	hub.BroadcastToRoom("room-1", protocol.NewServerEvent(protocol.EventSeatUpdated, "room-1", nil))
	hub.BroadcastToRoom("room-1", protocol.NewServerEvent(protocol.EventSeatUpdated, "room-1", nil))

	assert.Equal(t, 1, drops)
}

func TestShutdownClosesEverything(t *testing.T) {
	hub := NewHub(zap.NewNop())
	tap := hub.Tap(1)

	tr := &recordingTransport{}
	hub.AddClient("a", "alice", tr)

	require.NoError(t, hub.Shutdown(context.Background()))

	_, open := <-tap
	assert.False(t, open)

	assert.Nil(t, hub.AddClient("b", "bob", &recordingTransport{}))
}
