package roomstate

import (
	apperrors "github.com/sonara-chat/sonara/internal/common/errors"
)

// Seat mutations live here and run inside Store.Apply, so a room's seat
// layout can never change concurrently. The invariant maintained by
// every function in this file: no two seats share an occupant, and
// every occupant is a current member.

// RequestSeat assigns a seat to userID. A free preferred index wins;
// an occupied or absent preference falls back to the lowest free index.
func (r *Room) RequestSeat(userID string, preferredIndex *int) (int, error) {
	if !r.IsMember(userID) {
		return -1, apperrors.Authorization("not a room member")
	}
	if _, seated := r.SeatOf(userID); seated {
		return -1, apperrors.Conflict("seat already held, release it first", apperrors.ErrAlreadySeated)
	}

	if preferredIndex != nil {
		idx := *preferredIndex
		if idx < 0 || idx >= len(r.Seats) {
			return -1, apperrors.Validation("seat index out of range", nil)
		}
		if r.Seats[idx].Occupant == "" {
			r.Seats[idx].Occupant = userID
			return idx, nil
		}
	}

	for i := range r.Seats {
		if r.Seats[i].Occupant == "" {
			r.Seats[i].Occupant = userID
			return i, nil
		}
	}
	return -1, apperrors.Conflict("all seats occupied", apperrors.ErrNoSeatsAvailable)
}

// ReleaseSeat frees the seat held by userID. Releasing without holding
// a seat is a no-op, not an error.
func (r *Room) ReleaseSeat(userID string) (int, bool) {
	seat, ok := r.SeatOf(userID)
	if !ok {
		return -1, false
	}
	idx := seat.Index
	r.clearSeat(seat)
	return idx, true
}

// AssignSeat places targetID on a specific slot. The actor's authority
// is checked by the router; here only state preconditions apply.
func (r *Room) AssignSeat(targetID string, seatIndex int) (int, error) {
	if !r.IsMember(targetID) {
		return -1, apperrors.Authorization("target is not a room member")
	}
	if seatIndex < 0 || seatIndex >= len(r.Seats) {
		return -1, apperrors.Validation("seat index out of range", nil)
	}
	if _, seated := r.SeatOf(targetID); seated {
		return -1, apperrors.Conflict("target already seated", apperrors.ErrAlreadySeated)
	}
	if r.Seats[seatIndex].Occupant != "" {
		return -1, apperrors.Conflict("seat occupied", apperrors.ErrSeatTaken)
	}
	r.Seats[seatIndex].Occupant = targetID
	return seatIndex, nil
}

// CheckSeatInvariant verifies no duplicate occupants and that every
// occupant is a member. Used by tests and the janitor's debug sweep.
func (r *Room) CheckSeatInvariant() error {
	seen := make(map[string]struct{}, len(r.Seats))
	for i := range r.Seats {
		occ := r.Seats[i].Occupant
		if occ == "" {
			continue
		}
		if _, dup := seen[occ]; dup {
			return apperrors.Conflict("duplicate seat occupant", apperrors.ErrSeatTaken)
		}
		seen[occ] = struct{}{}
		if !r.IsMember(occ) {
			return apperrors.Authorization("seat occupant is not a member")
		}
	}
	return nil
}
