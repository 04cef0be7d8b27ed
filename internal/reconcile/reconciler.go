package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sonara-chat/sonara/internal/registry"
	"github.com/sonara-chat/sonara/internal/router"
	"github.com/sonara-chat/sonara/internal/telemetry"
)

// Reconciler resolves state drift left by silent disconnects. Expired
// connections get a synthesized room leave through the router, the
// same mutate-then-broadcast path as a real leave, so no seat or
// membership is ever freed behind the room lock's back.
type Reconciler struct {
	reg     *registry.Registry
	router  *router.Router
	timeout time.Duration
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func New(reg *registry.Registry, rt *router.Router, timeout time.Duration, metrics *telemetry.Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		reg:     reg,
		router:  rt,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
	}
}

// Run scans for expired connections every timeout/2 until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep reconciles every connection whose heartbeat lapsed. A failure
// cleaning one connection never stops cleanup of the rest.
func (r *Reconciler) Sweep() int {
	expired := r.reg.Expired(r.timeout)
	for _, conn := range expired {
		r.cleanup(conn)
	}
	if len(expired) > 0 {
		r.logger.Info("reconciled expired connections", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// HandleDisconnect reconciles immediately on an explicit transport
// disconnect, without waiting for the heartbeat timeout. Called after
// the connection is already out of the registry.
func (r *Reconciler) HandleDisconnect(conn *registry.Conn) {
	r.leaveRoom(conn)
}

func (r *Reconciler) cleanup(conn *registry.Conn) {
	r.leaveRoom(conn)
	r.reg.Unregister(conn.ID)
	if r.metrics != nil {
		r.metrics.RecordReconciled()
	}
}

func (r *Reconciler) leaveRoom(conn *registry.Conn) {
	roomID := conn.RoomID()
	if roomID == "" {
		return
	}
	if err := r.router.SynthesizeLeave(conn, roomID); err != nil {
		// The room may already be gone; cleanup must not crash the
		// loop for other connections.
		r.logger.Warn("reconciler leave failed",
			zap.String("conn_id", string(conn.ID)),
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}
}
