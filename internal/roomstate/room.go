package roomstate

import (
	"time"
)

type Role string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleModerator:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r carries privileges equal to or above other.
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= other.rank()
}

func (r Role) CanManageSeats() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Seat is a bounded slot granting broadcast rights to its occupant.
// Occupant "" means the slot is free. A seat's flags are meaningless
// while the slot is free and are reset on every release.
type Seat struct {
	Index    int
	Occupant string
	Muted    bool
	Speaking bool
}

type Member struct {
	UserID     string
	Role       Role
	HandRaised bool
	JoinedAt   time.Time
}

// Room is the authoritative in-memory state for one room. All access
// goes through the store's per-room lock; Room itself is not
// goroutine-safe.
type Room struct {
	ID      string
	OwnerID string
	Seats   []Seat
	Members map[string]*Member
	Closed  bool

	createdAt  time.Time
	emptySince time.Time
}

func newRoom(roomID, ownerID string, seatCount int) *Room {
	now := time.Now()
	room := &Room{
		ID:      roomID,
		OwnerID: ownerID,
		Seats:   make([]Seat, seatCount),
		Members: make(map[string]*Member),

		createdAt: now,
	}
	for i := range room.Seats {
		room.Seats[i].Index = i
	}
	room.Members[ownerID] = &Member{
		UserID:   ownerID,
		Role:     RoleOwner,
		JoinedAt: now,
	}
	return room
}

func (r *Room) Member(userID string) (*Member, bool) {
	m, ok := r.Members[userID]
	return m, ok
}

func (r *Room) IsMember(userID string) bool {
	_, ok := r.Members[userID]
	return ok
}

// SeatOf returns the seat held by userID, if any.
func (r *Room) SeatOf(userID string) (*Seat, bool) {
	for i := range r.Seats {
		if r.Seats[i].Occupant == userID {
			return &r.Seats[i], true
		}
	}
	return nil, false
}

func (r *Room) AddMember(userID string, now time.Time) *Member {
	m := &Member{
		UserID:   userID,
		Role:     RoleMember,
		JoinedAt: now,
	}
	r.Members[userID] = m
	r.emptySince = time.Time{}
	return m
}

// RemoveMember drops membership and frees any held seat. Returns the
// freed seat index, or -1 if the user held none.
func (r *Room) RemoveMember(userID string) int {
	freed := -1
	if seat, ok := r.SeatOf(userID); ok {
		freed = seat.Index
		r.clearSeat(seat)
	}
	delete(r.Members, userID)
	if len(r.Members) == 0 {
		r.emptySince = time.Now()
	}
	return freed
}

// PromoteSuccessor hands ownership to the highest-ranked, earliest
// joined remaining member. Returns nil when the room is empty.
func (r *Room) PromoteSuccessor() *Member {
	var successor *Member
	for _, m := range r.Members {
		if successor == nil {
			successor = m
			continue
		}
		if m.Role.rank() > successor.Role.rank() ||
			(m.Role.rank() == successor.Role.rank() && m.JoinedAt.Before(successor.JoinedAt)) {
			successor = m
		}
	}
	if successor == nil {
		return nil
	}
	successor.Role = RoleOwner
	r.OwnerID = successor.UserID
	return successor
}

func (r *Room) clearSeat(seat *Seat) {
	seat.Occupant = ""
	seat.Muted = false
	seat.Speaking = false
}
