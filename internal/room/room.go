// Package room composes the participants reducer with an application game
// reducer into a single spec operating over one shared event log.
//
// Game events travel wrapped as {"type":"game","event":...} so that
// application discriminants never collide with room control events.
package room

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/roomsync/internal/engine"
	"github.com/roach88/roomsync/internal/participants"
)

// GameType is the discriminant of wrapped game events.
const GameType = "game"

// State is the combined state of a room.
type State[G any] struct {
	Participants participants.State `json:"participants"`
	Game         G                  `json:"game"`
}

// Event is the tagged union of participants events and wrapped game events.
// Build values with ParticipantsEvent or GameEvent.
type Event[GE any] struct {
	participant participants.Event
	game        GE
	isGame      bool
}

// ParticipantsEvent wraps a room/participants event.
func ParticipantsEvent[GE any](ev participants.Event) Event[GE] {
	return Event[GE]{participant: ev}
}

// GameEvent wraps an application event.
func GameEvent[GE any](ev GE) Event[GE] {
	return Event[GE]{game: ev, isGame: true}
}

// Type returns the event's discriminant.
func (e Event[GE]) Type() string {
	if e.isGame {
		return GameType
	}
	if e.participant == nil {
		return ""
	}
	return string(e.participant.Type())
}

// Game returns the wrapped game event.
func (e Event[GE]) Game() (GE, bool) {
	return e.game, e.isGame
}

// Participants returns the wrapped participants event.
func (e Event[GE]) Participants() (participants.Event, bool) {
	return e.participant, !e.isGame && e.participant != nil
}

// MarshalJSON implements json.Marshaler.
func (e Event[GE]) MarshalJSON() ([]byte, error) {
	if e.isGame {
		return json.Marshal(struct {
			Type  string `json:"type"`
			Event GE     `json:"event"`
		}{Type: GameType, Event: e.game})
	}
	if e.participant == nil {
		return nil, fmt.Errorf("room event: empty event")
	}
	return participants.MarshalEvent(e.participant)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event[GE]) UnmarshalJSON(data []byte) error {
	typ, err := participants.PeekType(data)
	if err != nil {
		return fmt.Errorf("room event: %w", err)
	}
	if typ == GameType {
		var wire struct {
			Event GE `json:"event"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return fmt.Errorf("room event: game: %w", err)
		}
		*e = GameEvent(wire.Event)
		return nil
	}
	ev, err := participants.UnmarshalEvent(data)
	if err != nil {
		return fmt.Errorf("room event: %w", err)
	}
	*e = ParticipantsEvent[GE](ev)
	return nil
}

// NewSpec lifts a game spec into a room spec. Non-game events route to the
// participants reducer; game events unwrap and route to the game reducer.
// Validation requires both sub-validators to pass.
func NewSpec[G, GE any](game engine.Spec[G, GE]) engine.Spec[State[G], Event[GE]] {
	members := participants.Spec()
	validateMembers := members.Validator()
	validateGame := game.Validator()

	return engine.Spec[State[G], Event[GE]]{
		InitialState: func() State[G] {
			return State[G]{
				Participants: members.InitialState(),
				Game:         game.InitialState(),
			}
		},
		Reduce: func(s State[G], ev Event[GE]) State[G] {
			if gev, ok := ev.Game(); ok {
				s.Game = game.Reduce(s.Game, gev)
				return s
			}
			if pev, ok := ev.Participants(); ok {
				s.Participants = members.Reduce(s.Participants, pev)
			}
			return s
		},
		Validate: func(s State[G]) error {
			if err := validateMembers(s.Participants); err != nil {
				return fmt.Errorf("participants: %w", err)
			}
			if err := validateGame(s.Game); err != nil {
				return fmt.Errorf("game: %w", err)
			}
			return nil
		},
	}
}
