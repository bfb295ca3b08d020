package cli

import (
	"fmt"
	"strings"

	"github.com/roach88/roomsync/internal/counter"
	"github.com/roach88/roomsync/internal/engine"
	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/roach88/roomsync/internal/participants"
	"github.com/roach88/roomsync/internal/room"
)

// The CLI operates on counter rooms.
type (
	counterState = room.State[counter.State]
	counterEvent = room.Event[counter.Event]
)

func counterSpec() engine.Spec[counterState, counterEvent] {
	return room.NewSpec(counter.Spec())
}

var decodeCounterEvent = eventsync.JSONDecoder[counterEvent]()

// describeState renders a one-line summary of a counter room.
func describeState(s counterState) string {
	p := s.Participants
	members := make([]string, 0, len(p.ByID))
	for _, id := range p.Order {
		m, ok := p.ByID[id]
		if !ok {
			continue
		}
		label := m.ID
		if m.Name != "" && m.Name != m.ID {
			label = fmt.Sprintf("%s(%s)", m.ID, m.Name)
		}
		if m.Role == participants.RoleHost {
			label += "*"
		}
		if m.Ready {
			label += "+"
		}
		members = append(members, label)
	}
	return fmt.Sprintf("room=%s counter=%d closed=%t members=[%s]",
		p.RoomCode, s.Game.Value, p.Closed, strings.Join(members, " "))
}
