package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sonara-chat/sonara/internal/auth/jwt"
	apperrors "github.com/sonara-chat/sonara/internal/common/errors"
	"github.com/sonara-chat/sonara/internal/events"
	"github.com/sonara-chat/sonara/internal/protocol"
	"github.com/sonara-chat/sonara/internal/ratelimit"
	"github.com/sonara-chat/sonara/internal/registry"
	"github.com/sonara-chat/sonara/internal/router"
)

const maxFrameSize = 4096

// Server is the WebSocket transport adapter. The core is transport
// agnostic; this server only authenticates upgrades, feeds decoded
// events to the router in receipt order, and relays hub deliveries.
type Server struct {
	reg       *registry.Registry
	hub       *events.Hub
	router    *router.Router
	limiter   *ratelimit.Limiter
	jwt       *jwt.Manager
	logger    *zap.Logger
	pingEvery time.Duration
	pongWait  time.Duration

	httpServer *http.Server
}

func NewServer(reg *registry.Registry, hub *events.Hub, rt *router.Router, limiter *ratelimit.Limiter, jwtManager *jwt.Manager, logger *zap.Logger, pingEvery, pongWait time.Duration) *Server {
	return &Server{
		reg:       reg,
		hub:       hub,
		router:    rt,
		limiter:   limiter,
		jwt:       jwtManager,
		logger:    logger,
		pingEvery: pingEvery,
		pongWait:  pongWait,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  maxFrameSize,
	WriteBufferSize: maxFrameSize,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) Start(ctx context.Context, host string, port int, idleTimeout time.Duration) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	// No read/write timeouts on the server itself: websocket reads carry
	// their own pong deadlines.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Handler:     mux,
		IdleTimeout: idleTimeout,
	}

	s.logger.Info("gateway starting", zap.String("addr", s.httpServer.Addr))

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := s.jwt.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn, err := s.reg.Register(claims.UserID)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate connection")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	transport := &wsTransport{ws: ws, writeWait: 10 * time.Second}
	s.hub.AddClient(conn.ID, claims.UserID, transport)

	go s.pingLoop(conn.ID, transport)
	go s.readPump(conn.ID, ws)
}

// readPump dispatches frames strictly in receipt order; a connection's
// events are never reordered relative to each other.
func (s *Server) readPump(connID registry.ConnID, ws *websocket.Conn) {
	defer func() {
		s.reg.Unregister(connID)
		_ = ws.Close()
	}()

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.pongWait))
	ws.SetPongHandler(func(string) error {
		s.reg.Heartbeat(connID)
		return ws.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	ctx := context.Background()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error",
					zap.String("conn_id", string(connID)),
					zap.Error(err),
				)
			}
			return
		}

		_ = ws.SetReadDeadline(time.Now().Add(s.pongWait))
		s.reg.Heartbeat(connID)

		ev, err := protocol.Decode(data)
		if err != nil {
			s.sendError(connID, "", err)
			continue
		}

		allowed, _ := s.limiter.Allow(ctx, string(connID), limitClass(ev.Type))
		if !allowed {
			s.sendError(connID, ev.Type, apperrors.Conflict("rate limit exceeded", nil))
			continue
		}

		if err := s.router.Dispatch(ctx, connID, ev); err != nil {
			s.sendError(connID, ev.Type, err)
		}
	}
}

func (s *Server) pingLoop(connID registry.ConnID, transport *wsTransport) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for range ticker.C {
		if _, ok := s.reg.Get(connID); !ok {
			return
		}
		if err := transport.Ping(); err != nil {
			return
		}
	}
}

// sendError reports a failure to the originating connection only.
func (s *Server) sendError(connID registry.ConnID, cause protocol.ClientEventType, err error) {
	payload := protocol.ErrorPayload{
		Code:    string(apperrors.CodeOf(err)),
		Message: err.Error(),
		Cause:   cause,
	}
	s.hub.DeliverTo(connID, protocol.NewServerEvent(protocol.EventError, "", payload))
}

func limitClass(t protocol.ClientEventType) string {
	switch t {
	case protocol.EventGiftSend:
		return ratelimit.ClassGift
	case protocol.EventRoomJoin:
		return ratelimit.ClassJoin
	default:
		return ratelimit.ClassDefault
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// wsTransport serializes all writes to one gorilla connection; the hub
// write pump and the ping loop share it.
type wsTransport struct {
	ws        *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (t *wsTransport) Send(event *protocol.ServerEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.ws.WriteJSON(event)
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeWait))
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}
