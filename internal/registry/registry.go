package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/sonara-chat/sonara/internal/common/errors"
)

type ConnID string

// Conn ties a transport connection to an authenticated identity. Room and
// seat state live in the room store, referenced by user id; the registry
// only tracks which room a connection is currently in and its liveness.
type Conn struct {
	ID          ConnID
	UserID      string
	ConnectedAt time.Time

	mu            sync.RWMutex
	roomID        string
	lastHeartbeat time.Time
}

func (c *Conn) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Conn) setRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

func (c *Conn) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// DisconnectFunc is invoked after a connection is removed from the
// registry, outside any registry lock.
type DisconnectFunc func(conn *Conn)

type Registry struct {
	mu            sync.RWMutex
	conns         map[ConnID]*Conn
	byUser        map[string]*Conn
	singleSession bool
	logger        *zap.Logger

	onDisconnect DisconnectFunc
}

func New(logger *zap.Logger, singleSession bool) *Registry {
	return &Registry{
		conns:         make(map[ConnID]*Conn),
		byUser:        make(map[string]*Conn),
		singleSession: singleSession,
		logger:        logger,
	}
}

// OnDisconnect installs the handler notified on every unregister. Wired
// to the presence reconciler at startup, before any connection arrives.
func (r *Registry) OnDisconnect(fn DisconnectFunc) {
	r.onDisconnect = fn
}

func (r *Registry) Register(userID string) (*Conn, error) {
	now := time.Now()
	conn := &Conn{
		ID:            ConnID(uuid.New().String()),
		UserID:        userID,
		ConnectedAt:   now,
		lastHeartbeat: now,
	}

	r.mu.Lock()
	if r.singleSession {
		if existing, ok := r.byUser[userID]; ok {
			r.mu.Unlock()
			r.logger.Warn("rejecting duplicate connection",
				zap.String("user_id", userID),
				zap.String("existing_conn_id", string(existing.ID)),
			)
			return nil, apperrors.Conflict("user already connected", apperrors.ErrDuplicateConnection)
		}
	}
	r.conns[conn.ID] = conn
	r.byUser[userID] = conn
	r.mu.Unlock()

	r.logger.Info("connection registered",
		zap.String("conn_id", string(conn.ID)),
		zap.String("user_id", userID),
	)
	return conn, nil
}

func (r *Registry) Heartbeat(connID ConnID) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	conn.touch(time.Now())
	return true
}

// Unregister removes the connection and fires the disconnect handler.
// Idempotent: a second call for the same id is a no-op.
func (r *Registry) Unregister(connID ConnID) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if current, exists := r.byUser[conn.UserID]; exists && current.ID == connID {
		delete(r.byUser, conn.UserID)
	}
	r.mu.Unlock()

	r.logger.Info("connection unregistered",
		zap.String("conn_id", string(connID)),
		zap.String("user_id", conn.UserID),
	)

	if r.onDisconnect != nil {
		r.onDisconnect(conn)
	}
}

func (r *Registry) Get(connID ConnID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

func (r *Registry) ByUser(userID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byUser[userID]
	return conn, ok
}

func (r *Registry) RoomOf(connID ConnID) (string, bool) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	roomID := conn.RoomID()
	return roomID, roomID != ""
}

func (r *Registry) SetRoom(connID ConnID, roomID string) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if ok {
		conn.setRoom(roomID)
	}
}

func (r *Registry) ClearRoom(connID ConnID) {
	r.SetRoom(connID, "")
}

// Expired returns connections whose last heartbeat is older than timeout.
// The caller reconciles and unregisters them; the registry does not
// remove anything itself.
func (r *Registry) Expired(timeout time.Duration) []*Conn {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []*Conn
	for _, conn := range r.conns {
		if conn.LastHeartbeat().Before(cutoff) {
			expired = append(expired, conn)
		}
	}
	return expired
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
