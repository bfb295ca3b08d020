package participants

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/roomsync/internal/engine"
)

// Spec returns the participants reducer as an engine.Spec.
func Spec() engine.Spec[State, Event] {
	return engine.Spec[State, Event]{
		InitialState: InitialState,
		Reduce:       Reduce,
		Validate:     Validate,
	}
}

// Reduce applies ev to state. Unknown ids and events that do not apply in
// the current state return state unchanged.
func Reduce(state State, ev Event) State {
	// A closed room is read-only until reopened.
	if state.Closed && ev.Type() != TypeRoomOpen {
		return state
	}

	switch e := ev.(type) {
	case RoomOpen:
		return reduceOpen(state, e)
	case RoomClose:
		next := state
		next.Closed = true
		next.HostID = ""
		return next
	case Join:
		return reduceJoin(state, e)
	case Leave:
		return reduceLeave(state, e.ID, e.At)
	case Kick:
		return reduceLeave(state, e.ID, e.At)
	case SetName:
		return updateParticipant(state, e.ID, func(p *Participant) { p.Name = e.Name })
	case SetReady:
		return updateParticipant(state, e.ID, func(p *Participant) { p.Ready = e.Ready })
	case Heartbeat:
		return updateParticipant(state, e.ID, func(p *Participant) {
			p.LastSeenAt = e.At
			p.Online = true
		})
	case TransferHost:
		if _, ok := state.ByID[e.ToID]; !ok {
			return state
		}
		return withHost(state, e.ToID)
	default:
		return state
	}
}

func reduceOpen(state State, e RoomOpen) State {
	// Room code changes mid-session are not supported.
	if state.RoomCode != "" && state.RoomCode != e.RoomCode {
		return state
	}
	next := state
	next.RoomCode = e.RoomCode
	next.Closed = false

	// Reopening a room that kept its members needs a host again.
	if next.HostID == "" && len(next.ByID) > 0 {
		if id := pickHostID(next, e.At); id != "" {
			next = withHost(next, id)
		}
	}
	return next
}

func reduceJoin(state State, e Join) State {
	if existing, ok := state.ByID[e.ID]; ok {
		return updateParticipant(state, existing.ID, func(p *Participant) {
			if e.Name != "" {
				p.Name = e.Name
			}
			p.LastSeenAt = e.At
			p.Online = true
		})
	}

	role := RoleMember
	if len(state.ByID) == 0 {
		role = RoleHost
	}

	next := state
	next.ByID = maps.Clone(state.ByID)
	if next.ByID == nil {
		next.ByID = map[string]Participant{}
	}
	next.ByID[e.ID] = Participant{
		ID:         e.ID,
		Name:       e.Name,
		Role:       role,
		JoinedAt:   e.At,
		LastSeenAt: e.At,
		Online:     true,
	}
	if !slices.Contains(state.Order, e.ID) {
		next.Order = append(slices.Clone(state.Order), e.ID)
	}

	if next.HostID == "" {
		next = withHost(next, e.ID)
	}
	return next
}

func reduceLeave(state State, id string, at int64) State {
	if _, ok := state.ByID[id]; !ok {
		return state
	}

	next := state
	next.ByID = maps.Clone(state.ByID)
	delete(next.ByID, id)
	next.Order = slices.DeleteFunc(slices.Clone(state.Order), func(o string) bool { return o == id })

	if len(next.ByID) == 0 {
		next.Closed = true
		next.HostID = ""
		return next
	}

	if state.HostID == id {
		next.HostID = ""
		if hostID := pickHostID(next, at); hostID != "" {
			next = withHost(next, hostID)
		}
	}
	return next
}

// pickHostID prefers the first participant in Order that is online at the
// given time, then the first participant present at all.
func pickHostID(state State, at int64) string {
	for _, id := range state.Order {
		if p, ok := state.ByID[id]; ok && p.OnlineAt(at) {
			return id
		}
	}
	for _, id := range state.Order {
		if _, ok := state.ByID[id]; ok {
			return id
		}
	}
	return ""
}

// withHost makes id the host and every other participant a member.
func withHost(state State, id string) State {
	next := state
	next.HostID = id
	next.ByID = make(map[string]Participant, len(state.ByID))
	for k, p := range state.ByID {
		if k == id {
			p.Role = RoleHost
		} else {
			p.Role = RoleMember
		}
		next.ByID[k] = p
	}
	return next
}

func updateParticipant(state State, id string, mutate func(*Participant)) State {
	p, ok := state.ByID[id]
	if !ok {
		return state
	}
	mutate(&p)
	next := state
	next.ByID = maps.Clone(state.ByID)
	next.ByID[id] = p
	return next
}

// Validate checks the membership invariants.
func Validate(s State) error {
	seen := make(map[string]bool, len(s.Order))
	for _, id := range s.Order {
		if seen[id] {
			return engine.NewStructuralError("duplicate id in order", map[string]string{"id": id})
		}
		seen[id] = true
		if _, ok := s.ByID[id]; !ok {
			return engine.NewStructuralError("order id not in byId", map[string]string{"id": id})
		}
	}
	for k, p := range s.ByID {
		if !seen[k] {
			return engine.NewStructuralError("byId key missing from order", map[string]string{"id": k})
		}
		if p.ID != k {
			return engine.NewStructuralError("participant id does not match its key",
				map[string]string{"key": k, "id": p.ID})
		}
	}

	// Closed rooms keep members for log viewing but have no host.
	if s.Closed {
		if s.HostID != "" {
			return engine.NewInvariantError("closed room has a host", map[string]string{"host_id": s.HostID})
		}
		return nil
	}

	if s.HostID != "" {
		host, ok := s.ByID[s.HostID]
		if !ok {
			return engine.NewStructuralError("hostId not in byId", map[string]string{"host_id": s.HostID})
		}
		if host.Role != RoleHost {
			return engine.NewInvariantError("host role mismatch", map[string]string{"host_id": s.HostID})
		}
	}

	if len(s.ByID) > 0 {
		hosts := 0
		for _, p := range s.ByID {
			if p.Role == RoleHost {
				hosts++
			}
		}
		if hosts != 1 || s.HostID == "" {
			return engine.NewInvariantError(
				fmt.Sprintf("open room must have exactly one host, found %d", hosts),
				map[string]string{"host_id": s.HostID},
			)
		}
	}
	return nil
}
