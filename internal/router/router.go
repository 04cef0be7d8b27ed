package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sonara-chat/sonara/internal/common/errors"
	"github.com/sonara-chat/sonara/internal/events"
	"github.com/sonara-chat/sonara/internal/protocol"
	"github.com/sonara-chat/sonara/internal/registry"
	"github.com/sonara-chat/sonara/internal/roomstate"
	"github.com/sonara-chat/sonara/internal/telemetry"
	"github.com/sonara-chat/sonara/internal/wallet"
)

// Router applies validated client events to room state and fans the
// resulting server events out to room subscribers. Events from one
// connection are dispatched in receipt order by the transport's read
// loop; events from different connections racing on one room serialize
// on the store's per-room lock, so every subscriber observes the same
// per-room event sequence.
type Router struct {
	store   *roomstate.Store
	reg     *registry.Registry
	hub     *events.Hub
	wallet  wallet.Service
	metrics *telemetry.Metrics
	logger  *zap.Logger

	selfServiceSeats bool
}

func New(store *roomstate.Store, reg *registry.Registry, hub *events.Hub, walletSvc wallet.Service, metrics *telemetry.Metrics, logger *zap.Logger, selfServiceSeats bool) *Router {
	return &Router{
		store:            store,
		reg:              reg,
		hub:              hub,
		wallet:           walletSvc,
		metrics:          metrics,
		logger:           logger,
		selfServiceSeats: selfServiceSeats,
	}
}

// Dispatch applies one inbound event. The returned error is reported to
// the originating connection only; it never reaches other members.
func (r *Router) Dispatch(ctx context.Context, connID registry.ConnID, ev *protocol.ClientEvent) error {
	start := time.Now()
	err := r.dispatch(ctx, connID, ev)

	if r.metrics != nil {
		status := "ok"
		if err != nil {
			status = string(apperrors.CodeOf(err))
		}
		r.metrics.RecordEvent(string(ev.Type), status, time.Since(start))
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, connID registry.ConnID, ev *protocol.ClientEvent) error {
	conn, ok := r.reg.Get(connID)
	if !ok {
		return apperrors.Unauthorized("unknown connection")
	}

	switch ev.Type {
	case protocol.EventHeartbeat:
		r.reg.Heartbeat(connID)
		r.hub.DeliverTo(connID, protocol.NewServerEvent(protocol.EventHeartbeatAck, "", nil))
		return nil
	case protocol.EventRoomJoin:
		return r.handleRoomJoin(conn, ev.RoomJoin)
	case protocol.EventRoomLeave:
		return r.handleRoomLeave(conn, ev.RoomLeave.RoomID, protocol.LeaveReasonExplicit)
	case protocol.EventRoomClose:
		return r.handleRoomClose(conn, ev.RoomClose)
	case protocol.EventSeatRequest:
		return r.handleSeatRequest(conn, ev.SeatRequest)
	case protocol.EventSeatRelease:
		return r.handleSeatRelease(conn, ev.SeatRelease)
	case protocol.EventSeatAssign:
		return r.handleSeatAssign(conn, ev.SeatAssign)
	case protocol.EventMuteToggle:
		return r.handleMuteToggle(conn, ev.MuteToggle)
	case protocol.EventSpeakingStart:
		return r.handleSpeaking(conn, ev.Speaking.RoomID, true)
	case protocol.EventSpeakingStop:
		return r.handleSpeaking(conn, ev.Speaking.RoomID, false)
	case protocol.EventHandRaise:
		return r.handleHand(conn, ev.Hand.RoomID, true)
	case protocol.EventHandLower:
		return r.handleHand(conn, ev.Hand.RoomID, false)
	case protocol.EventGiftSend:
		return r.handleGiftSend(ctx, conn, ev.GiftSend)
	default:
		return apperrors.Validation("unhandled event type", nil)
	}
}

func (r *Router) broadcast(roomID string, ev *protocol.ServerEvent, exclude ...registry.ConnID) {
	r.hub.BroadcastToRoom(roomID, ev, exclude...)
	if r.metrics != nil {
		r.metrics.RecordBroadcast()
	}
}

func (r *Router) handleRoomJoin(conn *registry.Conn, p *protocol.RoomJoinPayload) error {
	if current := conn.RoomID(); current != "" && current != p.RoomID {
		return apperrors.Conflict("already in another room", nil)
	}

	capacity := r.store.MemberCapacity()
	var snapshot *protocol.RoomSnapshotPayload

	err := r.store.ApplyOrCreate(p.RoomID, conn.UserID, func(room *roomstate.Room, created bool) error {
		member, alreadyMember := room.Member(conn.UserID)
		if !alreadyMember {
			if len(room.Members) >= capacity {
				return apperrors.Conflict("room at capacity", apperrors.ErrRoomFull)
			}
			member = room.AddMember(conn.UserID, time.Now())
		}

		// Subscribe before broadcasting so the joiner sees its own
		// join event first, like every other subscriber.
		r.hub.Subscribe(conn.ID, p.RoomID)

		if !alreadyMember {
			r.broadcast(p.RoomID, protocol.NewServerEvent(
				protocol.EventRoomUserJoined, p.RoomID,
				protocol.UserJoinedPayload{UserID: conn.UserID, Role: string(member.Role)},
			))
		}

		snapshot = buildSnapshot(room)
		return nil
	})
	if err != nil {
		r.hub.Unsubscribe(conn.ID, p.RoomID)
		return err
	}

	r.reg.SetRoom(conn.ID, p.RoomID)
	r.hub.DeliverTo(conn.ID, protocol.NewServerEvent(protocol.EventRoomSnapshot, p.RoomID, snapshot))
	return nil
}

func (r *Router) handleRoomLeave(conn *registry.Conn, roomID, reason string) error {
	err := r.store.Apply(roomID, func(room *roomstate.Room) error {
		member, ok := room.Member(conn.UserID)
		if !ok {
			return apperrors.Authorization("not a room member")
		}
		wasOwner := member.Role == roomstate.RoleOwner

		freed := room.RemoveMember(conn.UserID)
		if freed >= 0 {
			r.broadcast(roomID, protocol.NewServerEvent(
				protocol.EventSeatUpdated, roomID,
				protocol.SeatUpdatedPayload{SeatIndex: freed},
			))
		}

		r.broadcast(roomID, protocol.NewServerEvent(
			protocol.EventRoomUserLeft, roomID,
			protocol.UserLeftPayload{UserID: conn.UserID, Reason: reason},
		))

		if wasOwner && len(room.Members) > 0 {
			if successor := room.PromoteSuccessor(); successor != nil {
				r.broadcast(roomID, protocol.NewServerEvent(
					protocol.EventOwnerChanged, roomID,
					protocol.OwnerChangedPayload{UserID: successor.UserID},
				))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.hub.Unsubscribe(conn.ID, roomID)
	r.reg.ClearRoom(conn.ID)
	return nil
}

func (r *Router) handleRoomClose(conn *registry.Conn, p *protocol.RoomClosePayload) error {
	var evicted []string

	err := r.store.Close(p.RoomID, func(room *roomstate.Room) error {
		member, ok := room.Member(conn.UserID)
		if !ok {
			return apperrors.Authorization("not a room member")
		}
		if member.Role != roomstate.RoleOwner {
			return apperrors.Authorization("only the owner can close the room")
		}

		r.broadcast(p.RoomID, protocol.NewServerEvent(protocol.EventRoomClosed, p.RoomID, nil))

		for userID := range room.Members {
			evicted = append(evicted, userID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, userID := range evicted {
		if memberConn, ok := r.reg.ByUser(userID); ok {
			r.hub.Unsubscribe(memberConn.ID, p.RoomID)
			r.reg.ClearRoom(memberConn.ID)
		}
	}
	return nil
}

func (r *Router) handleSeatRequest(conn *registry.Conn, p *protocol.SeatRequestPayload) error {
	return r.store.Apply(p.RoomID, func(room *roomstate.Room) error {
		idx, err := room.RequestSeat(conn.UserID, p.PreferredIndex)
		if err != nil {
			return err
		}

		occupant := conn.UserID
		r.broadcast(p.RoomID, protocol.NewServerEvent(
			protocol.EventSeatUpdated, p.RoomID,
			protocol.SeatUpdatedPayload{SeatIndex: idx, Occupant: &occupant},
		))
		return nil
	})
}

func (r *Router) handleSeatRelease(conn *registry.Conn, p *protocol.SeatReleasePayload) error {
	return r.store.Apply(p.RoomID, func(room *roomstate.Room) error {
		idx, released := room.ReleaseSeat(conn.UserID)
		if !released {
			// Releasing a seat you do not hold is a no-op.
			return nil
		}

		r.broadcast(p.RoomID, protocol.NewServerEvent(
			protocol.EventSeatUpdated, p.RoomID,
			protocol.SeatUpdatedPayload{SeatIndex: idx},
		))
		return nil
	})
}

func (r *Router) handleSeatAssign(conn *registry.Conn, p *protocol.SeatAssignPayload) error {
	return r.store.Apply(p.RoomID, func(room *roomstate.Room) error {
		actor, ok := room.Member(conn.UserID)
		if !ok {
			return apperrors.Authorization("not a room member")
		}

		assigningSelf := p.TargetUserID == conn.UserID
		switch {
		case actor.Role.CanManageSeats():
		case assigningSelf && r.selfServiceSeats:
		default:
			return apperrors.Authorization("not allowed to assign seats")
		}

		idx, err := room.AssignSeat(p.TargetUserID, p.SeatIndex)
		if err != nil {
			return err
		}

		occupant := p.TargetUserID
		r.broadcast(p.RoomID, protocol.NewServerEvent(
			protocol.EventSeatUpdated, p.RoomID,
			protocol.SeatUpdatedPayload{SeatIndex: idx, Occupant: &occupant},
		))
		return nil
	})
}

func (r *Router) handleMuteToggle(conn *registry.Conn, p *protocol.MuteTogglePayload) error {
	return r.store.Apply(p.RoomID, func(room *roomstate.Room) error {
		member, ok := room.Member(conn.UserID)
		if !ok {
			return apperrors.Authorization("not a room member")
		}
		seat, seated := room.SeatOf(conn.UserID)
		if !seated {
			return apperrors.Authorization("not seated")
		}

		seat.Muted = !seat.Muted
		if seat.Muted {
			seat.Speaking = false
		}

		r.broadcastPresence(p.RoomID, member, seat)
		return nil
	})
}

func (r *Router) handleSpeaking(conn *registry.Conn, roomID string, speaking bool) error {
	return r.store.Apply(roomID, func(room *roomstate.Room) error {
		member, ok := room.Member(conn.UserID)
		if !ok {
			return apperrors.Authorization("not a room member")
		}
		seat, seated := room.SeatOf(conn.UserID)
		if !seated {
			return apperrors.Authorization("not seated")
		}
		if speaking && seat.Muted {
			return apperrors.Authorization("cannot speak while muted")
		}

		seat.Speaking = speaking
		r.broadcastPresence(roomID, member, seat)
		return nil
	})
}

func (r *Router) handleHand(conn *registry.Conn, roomID string, raised bool) error {
	return r.store.Apply(roomID, func(room *roomstate.Room) error {
		member, ok := room.Member(conn.UserID)
		if !ok {
			return apperrors.Authorization("not a room member")
		}

		member.HandRaised = raised
		seat, _ := room.SeatOf(conn.UserID)
		r.broadcastPresence(roomID, member, seat)
		return nil
	})
}

func (r *Router) handleGiftSend(ctx context.Context, conn *registry.Conn, p *protocol.GiftSendPayload) error {
	err := r.store.View(p.RoomID, func(room *roomstate.Room) error {
		if !room.IsMember(conn.UserID) {
			return apperrors.Authorization("not a room member")
		}
		if !room.IsMember(p.RecipientID) {
			return apperrors.NotFound("recipient is not in the room", nil)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The debit runs outside the room lock: a slow wallet must not
	// stall unrelated seat and presence traffic in the room.
	if err := r.wallet.DebitGift(ctx, conn.UserID, p.RecipientID, p.GiftID, p.Quantity); err != nil {
		return err
	}

	err = r.store.Apply(p.RoomID, func(room *roomstate.Room) error {
		r.broadcast(p.RoomID, protocol.NewServerEvent(
			protocol.EventGiftReceived, p.RoomID,
			protocol.GiftReceivedPayload{
				SenderID:    conn.UserID,
				RecipientID: p.RecipientID,
				GiftID:      p.GiftID,
				Quantity:    p.Quantity,
			},
		))
		return nil
	})
	if err != nil {
		// Debit committed but the room vanished mid-flight. The wallet
		// transaction stands; only the announcement is lost.
		r.logger.Warn("gift debited but room gone before broadcast",
			zap.String("room_id", p.RoomID),
			zap.String("sender_id", conn.UserID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (r *Router) broadcastPresence(roomID string, member *roomstate.Member, seat *roomstate.Seat) {
	payload := protocol.PresenceUpdatedPayload{
		UserID:     member.UserID,
		HandRaised: member.HandRaised,
	}
	if seat != nil {
		idx := seat.Index
		payload.SeatIndex = &idx
		payload.Muted = seat.Muted
		payload.Speaking = seat.Speaking
	}
	r.broadcast(roomID, protocol.NewServerEvent(protocol.EventPresenceUpdated, roomID, payload))
}

// SynthesizeLeave runs the normal leave path for a connection that went
// silent. Used by the presence reconciler; no state shortcut exists.
func (r *Router) SynthesizeLeave(conn *registry.Conn, roomID string) error {
	return r.handleRoomLeave(conn, roomID, protocol.LeaveReasonTimeout)
}

func buildSnapshot(room *roomstate.Room) *protocol.RoomSnapshotPayload {
	snap := &protocol.RoomSnapshotPayload{
		RoomID:  room.ID,
		OwnerID: room.OwnerID,
		Members: make([]protocol.UserJoinedPayload, 0, len(room.Members)),
		Seats:   make([]protocol.SeatUpdatedPayload, 0, len(room.Seats)),
	}
	for _, m := range room.Members {
		snap.Members = append(snap.Members, protocol.UserJoinedPayload{
			UserID: m.UserID,
			Role:   string(m.Role),
		})
		if m.HandRaised {
			snap.Hands = append(snap.Hands, protocol.PresenceUpdatedPayload{
				UserID:     m.UserID,
				HandRaised: true,
			})
		}
	}
	for i := range room.Seats {
		seat := room.Seats[i]
		sp := protocol.SeatUpdatedPayload{
			SeatIndex: seat.Index,
			Muted:     seat.Muted,
			Speaking:  seat.Speaking,
		}
		if seat.Occupant != "" {
			occ := seat.Occupant
			sp.Occupant = &occ
		}
		snap.Seats = append(snap.Seats, sp)
	}
	return snap
}
