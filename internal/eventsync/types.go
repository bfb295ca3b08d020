package eventsync

import (
	"context"
	"encoding/json"
	"fmt"
)

// Envelope is one event as stored in and delivered by the room log.
type Envelope[E any] struct {
	ID        Ordinal `json:"id"`
	RoomCode  string  `json:"room_code"`
	Event     E       `json:"event"`
	ClientID  string  `json:"client_id"`
	EventID   string  `json:"event_id"`
	CreatedAt string  `json:"created_at,omitempty"`

	// DecodeErr is set on an envelope whose payload could not be decoded.
	// Event is then the zero value; trackers move the cursor past it
	// without applying anything.
	DecodeErr error `json:"-"`
}

// Snapshot is a materialized state and the log position it reflects.
type Snapshot[S any] struct {
	RoomCode    string  `json:"room_code"`
	LastEventID Ordinal `json:"last_event_id"`
	State       S       `json:"state"`
	CreatedAt   string  `json:"created_at,omitempty"`
}

// Pager reads a room's log in ascending ordinal order.
type Pager[E any] interface {
	// LoadAfter returns up to limit envelopes with ID > after, ascending.
	LoadAfter(ctx context.Context, room string, after Ordinal, limit int) ([]Envelope[E], error)
}

// EventLog is the append-only room log as seen by one replica.
type EventLog[E any] interface {
	Pager[E]

	// Publish appends ev under the caller-supplied idempotency token.
	// A duplicate token is reported as success.
	Publish(ctx context.Context, room, eventID string, ev E) error

	// Subscribe delivers newly appended envelopes for room at least once,
	// until the returned function is called.
	Subscribe(ctx context.Context, room string, fn func(Envelope[E])) (unsubscribe func(), err error)

	// ClientID identifies this replica to the log.
	ClientID() string
}

// SnapshotStore persists state checkpoints. Snapshots are a cache: the log
// alone determines state.
type SnapshotStore[S any] interface {
	// LoadLatest returns the snapshot with the highest LastEventID, or nil.
	LoadLatest(ctx context.Context, room string) (*Snapshot[S], error)
	SaveSnapshot(ctx context.Context, room string, lastEventID Ordinal, state S) error
}

// DecodeEnvelope converts a raw envelope into a typed one using decode for
// the event payload.
func DecodeEnvelope[E any](raw Envelope[json.RawMessage], decode func([]byte) (E, error)) (Envelope[E], error) {
	ev, err := decode(raw.Event)
	if err != nil {
		return Envelope[E]{}, fmt.Errorf("envelope %s: decode event: %w", raw.ID, err)
	}
	return Envelope[E]{
		ID:        raw.ID,
		RoomCode:  raw.RoomCode,
		Event:     ev,
		ClientID:  raw.ClientID,
		EventID:   raw.EventID,
		CreatedAt: raw.CreatedAt,
	}, nil
}

// DecodeEnvelopeOrMark is DecodeEnvelope, except that an undecodable
// payload yields an envelope with DecodeErr set instead of an error.
func DecodeEnvelopeOrMark[E any](raw Envelope[json.RawMessage], decode func([]byte) (E, error)) Envelope[E] {
	env, err := DecodeEnvelope(raw, decode)
	if err != nil {
		return Envelope[E]{
			ID:        raw.ID,
			RoomCode:  raw.RoomCode,
			ClientID:  raw.ClientID,
			EventID:   raw.EventID,
			CreatedAt: raw.CreatedAt,
			DecodeErr: err,
		}
	}
	return env
}

// DecodePage decodes a page of raw envelopes, marking undecodable ones.
func DecodePage[E any](raws []Envelope[json.RawMessage], decode func([]byte) (E, error)) []Envelope[E] {
	out := make([]Envelope[E], 0, len(raws))
	for _, raw := range raws {
		out = append(out, DecodeEnvelopeOrMark(raw, decode))
	}
	return out
}

// JSONDecoder returns a decode function using encoding/json.
func JSONDecoder[E any]() func([]byte) (E, error) {
	return func(data []byte) (E, error) {
		var ev E
		err := json.Unmarshal(data, &ev)
		return ev, err
	}
}
