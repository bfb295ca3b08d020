// Package counter is the demo game: a shared integer that any participant
// can increment, decrement or reset.
package counter

import (
	"fmt"

	"github.com/roach88/roomsync/internal/engine"
)

// MaxSafeValue bounds the counter to integers that every JSON client can
// represent exactly.
const MaxSafeValue int64 = 1<<53 - 1

// State is the counter value.
type State struct {
	Value int64 `json:"value"`
}

// EventType is the counter event discriminant.
type EventType string

const (
	TypeInc   EventType = "inc"
	TypeDec   EventType = "dec"
	TypeReset EventType = "reset"
)

// Event changes the counter. By defaults to 1 when nil.
type Event struct {
	Type EventType `json:"type"`
	By   *int64    `json:"by,omitempty"`
}

// Inc returns an increment event.
func Inc(by int64) Event { return Event{Type: TypeInc, By: &by} }

// Dec returns a decrement event.
func Dec(by int64) Event { return Event{Type: TypeDec, By: &by} }

// Reset returns a reset event.
func Reset() Event { return Event{Type: TypeReset} }

func (e Event) step() int64 {
	if e.By == nil {
		return 1
	}
	return *e.By
}

// Spec returns the counter reducer.
func Spec() engine.Spec[State, Event] {
	return engine.Spec[State, Event]{
		InitialState: func() State { return State{} },
		Reduce:       Reduce,
		Validate:     Validate,
	}
}

// Reduce applies ev. Unknown event types leave the state unchanged.
func Reduce(s State, ev Event) State {
	switch ev.Type {
	case TypeInc:
		return State{Value: s.Value + ev.step()}
	case TypeDec:
		return State{Value: s.Value - ev.step()}
	case TypeReset:
		return State{}
	default:
		return s
	}
}

// Validate rejects values outside the JSON-safe integer range.
func Validate(s State) error {
	if s.Value > MaxSafeValue || s.Value < -MaxSafeValue {
		return engine.NewInvariantError(
			fmt.Sprintf("counter value %d outside safe range", s.Value),
			nil,
		)
	}
	return nil
}
