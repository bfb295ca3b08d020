package participants

// Role is a participant's role within a room.
type Role string

const (
	RoleHost   Role = "host"
	RoleMember Role = "member"
)

// OnlineWindowMillis is how recently a participant must have been seen to
// count as online during host reassignment.
const OnlineWindowMillis int64 = 20_000

// Participant is one member of a room. ID equals the owning client's id.
// Timestamps are unix milliseconds taken from the event that set them.
type Participant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       Role   `json:"role"`
	Ready      bool   `json:"ready"`
	JoinedAt   int64  `json:"joinedAt"`
	LastSeenAt int64  `json:"lastSeenAt"`
	Online     bool   `json:"online"`
}

// OnlineAt reports whether p is flagged online and was seen within
// OnlineWindowMillis of at.
func (p Participant) OnlineAt(at int64) bool {
	return p.Online && at-p.LastSeenAt <= OnlineWindowMillis
}

// State is the membership state of one room.
type State struct {
	RoomCode string                 `json:"roomCode"`
	Closed   bool                   `json:"closed"`
	HostID   string                 `json:"hostId"`
	ByID     map[string]Participant `json:"byId"`
	Order    []string               `json:"order"`
}

// InitialState returns an open, empty room with no room code.
func InitialState() State {
	return State{
		ByID:  map[string]Participant{},
		Order: []string{},
	}
}

// List returns the current participants in join order.
func (s State) List() []Participant {
	out := make([]Participant, 0, len(s.Order))
	for _, id := range s.Order {
		if p, ok := s.ByID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Host returns the current host, if any.
func (s State) Host() (Participant, bool) {
	if s.HostID == "" {
		return Participant{}, false
	}
	p, ok := s.ByID[s.HostID]
	return p, ok
}
