package protocol

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apperrors "github.com/sonara-chat/sonara/internal/common/errors"
)

// ClientEventType is the closed set of inbound client->server events.
type ClientEventType string

const (
	EventRoomJoin      ClientEventType = "ROOM_JOIN"
	EventRoomLeave     ClientEventType = "ROOM_LEAVE"
	EventRoomClose     ClientEventType = "ROOM_CLOSE"
	EventSeatRequest   ClientEventType = "SEAT_REQUEST"
	EventSeatRelease   ClientEventType = "SEAT_RELEASE"
	EventSeatAssign    ClientEventType = "SEAT_ASSIGN"
	EventMuteToggle    ClientEventType = "MUTE_TOGGLE"
	EventSpeakingStart ClientEventType = "SPEAKING_START"
	EventSpeakingStop  ClientEventType = "SPEAKING_STOP"
	EventHandRaise     ClientEventType = "HAND_RAISE"
	EventHandLower     ClientEventType = "HAND_LOWER"
	EventGiftSend      ClientEventType = "GIFT_SEND"
	EventHeartbeat     ClientEventType = "HEARTBEAT"
)

// ServerEventType is the closed set of outbound server->client events.
type ServerEventType string

const (
	EventRoomUserJoined  ServerEventType = "ROOM_USER_JOINED"
	EventRoomUserLeft    ServerEventType = "ROOM_USER_LEFT"
	EventRoomClosed      ServerEventType = "ROOM_CLOSED"
	EventSeatUpdated     ServerEventType = "SEAT_UPDATED"
	EventPresenceUpdated ServerEventType = "PRESENCE_UPDATED"
	EventGiftReceived    ServerEventType = "GIFT_RECEIVED"
	EventRoomSnapshot    ServerEventType = "ROOM_SNAPSHOT"
	EventOwnerChanged    ServerEventType = "ROOM_OWNER_CHANGED"
	EventHeartbeatAck    ServerEventType = "HEARTBEAT_ACK"
	EventError           ServerEventType = "ERROR"
)

type envelope struct {
	Type    ClientEventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientEvent is a decoded, validated inbound event. Exactly one payload
// field matching Type is non-nil.
type ClientEvent struct {
	Type ClientEventType

	RoomJoin    *RoomJoinPayload
	RoomLeave   *RoomLeavePayload
	RoomClose   *RoomClosePayload
	SeatRequest *SeatRequestPayload
	SeatRelease *SeatReleasePayload
	SeatAssign  *SeatAssignPayload
	MuteToggle  *MuteTogglePayload
	Speaking    *SpeakingPayload
	Hand        *HandPayload
	GiftSend    *GiftSendPayload
}

type RoomJoinPayload struct {
	RoomID string `json:"room_id" validate:"required,uuid"`
}

type RoomLeavePayload struct {
	RoomID string `json:"room_id" validate:"required,uuid"`
}

type RoomClosePayload struct {
	RoomID string `json:"room_id" validate:"required,uuid"`
}

type SeatRequestPayload struct {
	RoomID         string `json:"room_id" validate:"required,uuid"`
	PreferredIndex *int   `json:"preferred_index,omitempty" validate:"omitempty,gte=0,lte=63"`
}

type SeatReleasePayload struct {
	RoomID string `json:"room_id" validate:"required,uuid"`
}

type SeatAssignPayload struct {
	RoomID       string `json:"room_id" validate:"required,uuid"`
	TargetUserID string `json:"target_user_id" validate:"required,uuid"`
	SeatIndex    int    `json:"seat_index" validate:"gte=0,lte=63"`
}

type MuteTogglePayload struct {
	RoomID string `json:"room_id" validate:"required,uuid"`
}

type SpeakingPayload struct {
	RoomID string `json:"room_id" validate:"required,uuid"`
}

type HandPayload struct {
	RoomID string `json:"room_id" validate:"required,uuid"`
}

type GiftSendPayload struct {
	RoomID      string `json:"room_id" validate:"required,uuid"`
	RecipientID string `json:"recipient_id" validate:"required,uuid"`
	GiftID      string `json:"gift_id" validate:"required,max=64"`
	Quantity    int    `json:"quantity" validate:"gte=1,lte=999"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses and validates a raw inbound frame. Invalid frames are
// rejected here and never reach room state.
func Decode(data []byte) (*ClientEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Validation("malformed event envelope", err)
	}

	ev := &ClientEvent{Type: env.Type}

	switch env.Type {
	case EventRoomJoin:
		ev.RoomJoin = &RoomJoinPayload{}
		return decodePayload(ev, env.Payload, ev.RoomJoin)
	case EventRoomLeave:
		ev.RoomLeave = &RoomLeavePayload{}
		return decodePayload(ev, env.Payload, ev.RoomLeave)
	case EventRoomClose:
		ev.RoomClose = &RoomClosePayload{}
		return decodePayload(ev, env.Payload, ev.RoomClose)
	case EventSeatRequest:
		ev.SeatRequest = &SeatRequestPayload{}
		return decodePayload(ev, env.Payload, ev.SeatRequest)
	case EventSeatRelease:
		ev.SeatRelease = &SeatReleasePayload{}
		return decodePayload(ev, env.Payload, ev.SeatRelease)
	case EventSeatAssign:
		ev.SeatAssign = &SeatAssignPayload{}
		return decodePayload(ev, env.Payload, ev.SeatAssign)
	case EventMuteToggle:
		ev.MuteToggle = &MuteTogglePayload{}
		return decodePayload(ev, env.Payload, ev.MuteToggle)
	case EventSpeakingStart, EventSpeakingStop:
		ev.Speaking = &SpeakingPayload{}
		return decodePayload(ev, env.Payload, ev.Speaking)
	case EventHandRaise, EventHandLower:
		ev.Hand = &HandPayload{}
		return decodePayload(ev, env.Payload, ev.Hand)
	case EventGiftSend:
		ev.GiftSend = &GiftSendPayload{}
		return decodePayload(ev, env.Payload, ev.GiftSend)
	case EventHeartbeat:
		return ev, nil
	default:
		return nil, apperrors.Validation("unknown event type", nil)
	}
}

func decodePayload(ev *ClientEvent, raw json.RawMessage, dest interface{}) (*ClientEvent, error) {
	if len(raw) == 0 {
		return nil, apperrors.Validation("missing event payload", nil)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return nil, apperrors.Validation("malformed event payload", err)
	}
	if err := validate.Struct(dest); err != nil {
		return nil, apperrors.Validation("invalid event payload", err)
	}
	return ev, nil
}

// RoomID returns the room the event targets, or "" for room-less events.
func (e *ClientEvent) RoomID() string {
	switch e.Type {
	case EventRoomJoin:
		return e.RoomJoin.RoomID
	case EventRoomLeave:
		return e.RoomLeave.RoomID
	case EventRoomClose:
		return e.RoomClose.RoomID
	case EventSeatRequest:
		return e.SeatRequest.RoomID
	case EventSeatRelease:
		return e.SeatRelease.RoomID
	case EventSeatAssign:
		return e.SeatAssign.RoomID
	case EventMuteToggle:
		return e.MuteToggle.RoomID
	case EventSpeakingStart, EventSpeakingStop:
		return e.Speaking.RoomID
	case EventHandRaise, EventHandLower:
		return e.Hand.RoomID
	case EventGiftSend:
		return e.GiftSend.RoomID
	}
	return ""
}

// ServerEvent is an outbound event, delivered to a single connection or
// broadcast to a room's subscribers.
type ServerEvent struct {
	EventID   string          `json:"event_id"`
	Type      ServerEventType `json:"type"`
	RoomID    string          `json:"room_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   interface{}     `json:"payload,omitempty"`
}

func NewServerEvent(eventType ServerEventType, roomID string, payload interface{}) *ServerEvent {
	return &ServerEvent{
		EventID:   uuid.New().String(),
		Type:      eventType,
		RoomID:    roomID,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

type UserJoinedPayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type UserLeftPayload struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

const (
	LeaveReasonExplicit = "left"
	LeaveReasonTimeout  = "timeout"
	LeaveReasonEvicted  = "evicted"
)

type SeatUpdatedPayload struct {
	SeatIndex int     `json:"seat_index"`
	Occupant  *string `json:"occupant,omitempty"`
	Muted     bool    `json:"muted"`
	Speaking  bool    `json:"speaking"`
}

type PresenceUpdatedPayload struct {
	UserID     string `json:"user_id"`
	SeatIndex  *int   `json:"seat_index,omitempty"`
	Muted      bool   `json:"muted"`
	Speaking   bool   `json:"speaking"`
	HandRaised bool   `json:"hand_raised"`
}

type GiftReceivedPayload struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	GiftID      string `json:"gift_id"`
	Quantity    int    `json:"quantity"`
}

type RoomSnapshotPayload struct {
	RoomID  string                   `json:"room_id"`
	OwnerID string                   `json:"owner_id"`
	Members []UserJoinedPayload      `json:"members"`
	Seats   []SeatUpdatedPayload     `json:"seats"`
	Hands   []PresenceUpdatedPayload `json:"hands,omitempty"`
}

type OwnerChangedPayload struct {
	UserID string `json:"user_id"`
}

type ErrorPayload struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Cause   ClientEventType `json:"cause,omitempty"`
}
