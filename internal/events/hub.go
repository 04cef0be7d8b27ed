package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sonara-chat/sonara/internal/protocol"
	"github.com/sonara-chat/sonara/internal/registry"
)

// Transport is the minimal surface the hub needs from a connection.
// The WebSocket gateway provides one implementation; tests provide
// in-memory fakes.
type Transport interface {
	Send(event *protocol.ServerEvent) error
	Close() error
}

type Client struct {
	ConnID   registry.ConnID
	UserID   string
	RoomSubs map[string]bool
	SendChan chan *protocol.ServerEvent

	transport Transport
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
}

// Hub fans out server events to room subscribers. Each client gets a
// buffered send channel drained by its own write pump; a full channel
// drops the event rather than blocking the broadcaster.
type Hub struct {
	mu       sync.RWMutex
	clients  map[registry.ConnID]*Client
	rooms    map[string]map[registry.ConnID]bool
	taps     []chan *protocol.ServerEvent
	logger   *zap.Logger
	shutdown bool

	onTapDrop func()
}

// OnTapDrop installs a hook fired whenever a tap overflows and an event
// is dropped from its stream. Set once at startup.
func (h *Hub) OnTapDrop(fn func()) {
	h.onTapDrop = fn
}

const sendBuffer = 256

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[registry.ConnID]*Client),
		rooms:   make(map[string]map[registry.ConnID]bool),
		logger:  logger,
	}
}

func (h *Hub) AddClient(connID registry.ConnID, userID string, transport Transport) *Client {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		h.logger.Warn("rejecting new client during shutdown", zap.String("user_id", userID))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ConnID:    connID,
		UserID:    userID,
		RoomSubs:  make(map[string]bool),
		SendChan:  make(chan *protocol.ServerEvent, sendBuffer),
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}
	h.clients[connID] = client
	h.mu.Unlock()

	go client.writePump(h.logger)

	h.logger.Info("client attached",
		zap.String("conn_id", string(connID)),
		zap.String("user_id", userID),
	)
	return client
}

func (h *Hub) RemoveClient(connID registry.ConnID) {
	h.mu.Lock()
	client, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return
	}

	for roomID := range client.RoomSubs {
		if subs, exists := h.rooms[roomID]; exists {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}

	client.cancel()
	close(client.SendChan)
	delete(h.clients, connID)
	h.mu.Unlock()

	h.logger.Info("client detached", zap.String("conn_id", string(connID)))
}

func (h *Hub) Subscribe(connID registry.ConnID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		h.logger.Warn("attempted to subscribe unknown client",
			zap.String("conn_id", string(connID)),
			zap.String("room_id", roomID),
		)
		return false
	}

	select {
	case <-client.ctx.Done():
		return false
	default:
	}

	client.mu.Lock()
	client.RoomSubs[roomID] = true
	client.mu.Unlock()

	if _, exists := h.rooms[roomID]; !exists {
		h.rooms[roomID] = make(map[registry.ConnID]bool)
	}
	h.rooms[roomID][connID] = true
	return true
}

func (h *Hub) Unsubscribe(connID registry.ConnID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}

	client.mu.Lock()
	delete(client.RoomSubs, roomID)
	client.mu.Unlock()

	if subs, exists := h.rooms[roomID]; exists {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// BroadcastToRoom enqueues the event to every subscriber of roomID,
// minus any excluded connections, and mirrors it to all taps.
func (h *Hub) BroadcastToRoom(roomID string, event *protocol.ServerEvent, exclude ...registry.ConnID) {
	h.mu.RLock()
	subs := h.rooms[roomID]
	targets := make([]*Client, 0, len(subs))
	for connID := range subs {
		if containsConn(exclude, connID) {
			continue
		}
		if client, ok := h.clients[connID]; ok {
			targets = append(targets, client)
		}
	}
	taps := h.taps
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.SendChan <- event:
		default:
			h.logger.Warn("client channel full, dropping event",
				zap.String("conn_id", string(client.ConnID)),
				zap.String("event_id", event.EventID),
				zap.String("event_type", string(event.Type)),
			)
		}
	}

	for _, tap := range taps {
		select {
		case tap <- event:
		default:
			if h.onTapDrop != nil {
				h.onTapDrop()
			}
		}
	}

	h.logger.Debug("broadcast completed",
		zap.String("room_id", roomID),
		zap.String("event_type", string(event.Type)),
		zap.Int("subscribers", len(targets)),
	)
}

// DeliverTo sends an event to a single connection only. Used for error
// acks and snapshots, which must never reach other members.
func (h *Hub) DeliverTo(connID registry.ConnID, event *protocol.ServerEvent) {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case client.SendChan <- event:
	default:
		h.logger.Warn("client channel full, dropping direct event",
			zap.String("conn_id", string(connID)),
			zap.String("event_id", event.EventID),
		)
	}
}

// Tap returns a channel that mirrors every room broadcast. Consumers
// must drain promptly; a full tap drops events rather than slowing the
// broadcast path.
func (h *Hub) Tap(buffer int) <-chan *protocol.ServerEvent {
	ch := make(chan *protocol.ServerEvent, buffer)
	h.mu.Lock()
	h.taps = append(h.taps, ch)
	h.mu.Unlock()
	return ch
}

func (h *Hub) RoomSubscriberCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	clientsToClose := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clientsToClose = append(clientsToClose, client)
	}
	h.clients = make(map[registry.ConnID]*Client)
	h.rooms = make(map[string]map[registry.ConnID]bool)
	taps := h.taps
	h.taps = nil
	h.mu.Unlock()

	h.logger.Info("shutting down event hub", zap.Int("clients", len(clientsToClose)))

	for _, client := range clientsToClose {
		client.cancel()
		close(client.SendChan)
		_ = client.transport.Close()
	}
	for _, tap := range taps {
		close(tap)
	}
	return nil
}

func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-c.SendChan:
			if !ok {
				return
			}
			if err := c.transport.Send(event); err != nil {
				logger.Debug("failed to send event",
					zap.String("conn_id", string(c.ConnID)),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			continue
		case <-c.ctx.Done():
			return
		}
	}
}

func containsConn(list []registry.ConnID, id registry.ConnID) bool {
	for _, c := range list {
		if c == id {
			return true
		}
	}
	return false
}
