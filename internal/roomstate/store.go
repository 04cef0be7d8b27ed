package roomstate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sonara-chat/sonara/internal/common/errors"
)

// Store owns all live room state. Every mutation for a given room runs
// under that room's exclusive lock, so concurrent seat or flag changes
// on one room never interleave while separate rooms proceed in
// parallel. Broadcasts enqueued inside an Apply callback observe the
// same order the mutations were applied in.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*entry

	seatCount      int
	memberCapacity int
	gracePeriod    time.Duration
	logger         *zap.Logger
}

type entry struct {
	mu   sync.Mutex
	room *Room
}

func NewStore(logger *zap.Logger, seatCount, memberCapacity int, gracePeriod time.Duration) *Store {
	return &Store{
		rooms:          make(map[string]*entry),
		seatCount:      seatCount,
		memberCapacity: memberCapacity,
		gracePeriod:    gracePeriod,
		logger:         logger,
	}
}

func (s *Store) SeatCount() int {
	return s.seatCount
}

func (s *Store) MemberCapacity() int {
	return s.memberCapacity
}

func (s *Store) get(roomID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rooms[roomID]
	return e, ok
}

// Apply runs fn under the room's exclusive lock. Mutations on a closed
// room are rejected before fn runs.
func (s *Store) Apply(roomID string, fn func(*Room) error) error {
	e, ok := s.get(roomID)
	if !ok {
		return apperrors.NotFound("room not found", apperrors.ErrRoomNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.room.Closed {
		return apperrors.NotFound("room is closed", apperrors.ErrRoomClosed)
	}
	return fn(e.room)
}

// ApplyOrCreate is Apply with first-join semantics: a missing room is
// created on the spot with ownerID as its single member and owner.
func (s *Store) ApplyOrCreate(roomID, ownerID string, fn func(*Room, bool) error) error {
	e, ok := s.get(roomID)
	created := false
	if !ok {
		s.mu.Lock()
		e, ok = s.rooms[roomID]
		if !ok {
			e = &entry{room: newRoom(roomID, ownerID, s.seatCount)}
			s.rooms[roomID] = e
			created = true
		}
		s.mu.Unlock()
		if created {
			s.logger.Info("room created",
				zap.String("room_id", roomID),
				zap.String("owner_id", ownerID),
			)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.room.Closed {
		return apperrors.NotFound("room is closed", apperrors.ErrRoomClosed)
	}
	return fn(e.room, created)
}

// View runs fn under the room lock for read-only access. The callback
// must not retain references to room internals.
func (s *Store) View(roomID string, fn func(*Room) error) error {
	e, ok := s.get(roomID)
	if !ok {
		return apperrors.NotFound("room not found", apperrors.ErrRoomNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.room)
}

// Close marks the room closed and runs fn once with the final state so
// the caller can broadcast eviction before members are dropped. A
// closed room accepts no further mutations and is destroyed by the
// janitor.
func (s *Store) Close(roomID string, fn func(*Room) error) error {
	e, ok := s.get(roomID)
	if !ok {
		return apperrors.NotFound("room not found", apperrors.ErrRoomNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.room.Closed {
		return apperrors.NotFound("room is closed", apperrors.ErrRoomClosed)
	}

	if fn != nil {
		if err := fn(e.room); err != nil {
			return err
		}
	}

	e.room.Closed = true
	for userID := range e.room.Members {
		e.room.RemoveMember(userID)
	}
	s.logger.Info("room closed", zap.String("room_id", roomID))
	return nil
}

// RunJanitor destroys rooms that stayed empty beyond the grace period
// and sweeps out closed rooms. Blocks until ctx is done.
func (s *Store) RunJanitor(ctx context.Context) {
	interval := s.gracePeriod / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := s.sweep()
			if removed > 0 {
				s.logger.Info("destroyed idle rooms", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) sweep() int {
	cutoff := time.Now().Add(-s.gracePeriod)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for roomID, e := range s.rooms {
		e.mu.Lock()
		dead := e.room.Closed || (len(e.room.Members) == 0 && !e.room.emptySince.IsZero() && e.room.emptySince.Before(cutoff))
		e.mu.Unlock()
		if dead {
			delete(s.rooms, roomID)
			removed++
		}
	}
	return removed
}

func (s *Store) RoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// OccupiedSeats counts held slots across all rooms, for telemetry.
func (s *Store) OccupiedSeats() int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.rooms))
	for _, e := range s.rooms {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	total := 0
	for _, e := range entries {
		e.mu.Lock()
		for i := range e.room.Seats {
			if e.room.Seats[i].Occupant != "" {
				total++
			}
		}
		e.mu.Unlock()
	}
	return total
}
