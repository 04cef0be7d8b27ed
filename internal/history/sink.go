package history

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sonara-chat/sonara/internal/protocol"
)

// Sink persists a durable trail of room activity by consuming the
// hub's broadcast tap. It is deliberately lossy: the live event path
// never waits on the database, and an overflowing tap drops records.
type Sink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewSink(pool *pgxpool.Pool, logger *zap.Logger) *Sink {
	return &Sink{pool: pool, logger: logger}
}

// EnsureSchema creates the history tables when absent.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS gift_receipts (
			id BIGSERIAL PRIMARY KEY,
			event_id UUID NOT NULL UNIQUE,
			room_id UUID NOT NULL,
			sender_id UUID NOT NULL,
			recipient_id UUID NOT NULL,
			gift_id TEXT NOT NULL,
			quantity INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_events (
			id BIGSERIAL PRIMARY KEY,
			event_id UUID NOT NULL UNIQUE,
			room_id UUID NOT NULL,
			event_type TEXT NOT NULL,
			user_id UUID,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gift_receipts_room ON gift_receipts(room_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_room_events_room ON room_events(room_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Run consumes the tap until it closes or ctx is done. Write failures
// are logged and skipped; history is best-effort by contract.
func (s *Sink) Run(ctx context.Context, events <-chan *protocol.ServerEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.record(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sink) record(ctx context.Context, ev *protocol.ServerEvent) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	switch ev.Type {
	case protocol.EventGiftReceived:
		payload, ok := ev.Payload.(protocol.GiftReceivedPayload)
		if !ok {
			return
		}
		_, err = s.pool.Exec(writeCtx, `
			INSERT INTO gift_receipts (event_id, room_id, sender_id, recipient_id, gift_id, quantity, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.EventID, ev.RoomID, payload.SenderID, payload.RecipientID, payload.GiftID, payload.Quantity, ev.CreatedAt)

	case protocol.EventRoomUserJoined:
		payload, ok := ev.Payload.(protocol.UserJoinedPayload)
		if !ok {
			return
		}
		_, err = s.pool.Exec(writeCtx, `
			INSERT INTO room_events (event_id, room_id, event_type, user_id, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.EventID, ev.RoomID, string(ev.Type), payload.UserID, payload.Role, ev.CreatedAt)

	case protocol.EventRoomUserLeft:
		payload, ok := ev.Payload.(protocol.UserLeftPayload)
		if !ok {
			return
		}
		_, err = s.pool.Exec(writeCtx, `
			INSERT INTO room_events (event_id, room_id, event_type, user_id, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.EventID, ev.RoomID, string(ev.Type), payload.UserID, payload.Reason, ev.CreatedAt)

	case protocol.EventRoomClosed:
		_, err = s.pool.Exec(writeCtx, `
			INSERT INTO room_events (event_id, room_id, event_type, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.EventID, ev.RoomID, string(ev.Type), ev.CreatedAt)

	default:
		return
	}

	if err != nil {
		s.logger.Warn("failed to persist history record",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
	}
}
