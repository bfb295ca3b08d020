package participants

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType is the discriminant carried in every event's "type" field.
type EventType string

const (
	TypeRoomOpen     EventType = "room/open"
	TypeRoomClose    EventType = "room/close"
	TypeJoin         EventType = "participants/join"
	TypeLeave        EventType = "participants/leave"
	TypeSetName      EventType = "participants/setName"
	TypeSetReady     EventType = "participants/setReady"
	TypeHeartbeat    EventType = "participants/heartbeat"
	TypeKick         EventType = "participants/kick"
	TypeTransferHost EventType = "participants/transferHost"
)

// Event is the sealed sum of room and participant events.
type Event interface {
	Type() EventType
	isEvent()
}

// RoomOpen binds the room code and reopens a closed room.
type RoomOpen struct {
	RoomCode string `json:"roomCode"`
	At       int64  `json:"at"`
}

// RoomClose puts the room into read-only mode.
type RoomClose struct {
	At int64 `json:"at"`
}

// Join adds a participant, or refreshes one that is already present.
// An empty Name on rejoin keeps the existing name.
type Join struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	At   int64  `json:"at"`
}

// Leave removes a participant.
type Leave struct {
	ID string `json:"id"`
	At int64  `json:"at"`
}

// SetName renames a participant.
type SetName struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	At   int64  `json:"at"`
}

// SetReady toggles a participant's ready flag.
type SetReady struct {
	ID    string `json:"id"`
	Ready bool   `json:"ready"`
	At    int64  `json:"at"`
}

// Heartbeat refreshes a participant's liveness.
type Heartbeat struct {
	ID string `json:"id"`
	At int64  `json:"at"`
}

// Kick removes a participant on someone else's behalf. Same effect as Leave.
type Kick struct {
	ID string `json:"id"`
	At int64  `json:"at"`
}

// TransferHost hands the host role to another participant.
type TransferHost struct {
	ToID string `json:"toId"`
	At   int64  `json:"at"`
}

// Unknown carries an event whose type this build does not recognise.
// Reduce leaves state unchanged, and it encodes back to the original JSON.
type Unknown struct {
	Kind EventType
	Raw  json.RawMessage
}

func (RoomOpen) Type() EventType     { return TypeRoomOpen }
func (RoomClose) Type() EventType    { return TypeRoomClose }
func (Join) Type() EventType         { return TypeJoin }
func (Leave) Type() EventType        { return TypeLeave }
func (SetName) Type() EventType      { return TypeSetName }
func (SetReady) Type() EventType     { return TypeSetReady }
func (Heartbeat) Type() EventType    { return TypeHeartbeat }
func (Kick) Type() EventType         { return TypeKick }
func (TransferHost) Type() EventType { return TypeTransferHost }
func (u Unknown) Type() EventType    { return u.Kind }

func (RoomOpen) isEvent()     {}
func (RoomClose) isEvent()    {}
func (Join) isEvent()         {}
func (Leave) isEvent()        {}
func (SetName) isEvent()      {}
func (SetReady) isEvent()     {}
func (Heartbeat) isEvent()    {}
func (Kick) isEvent()         {}
func (TransferHost) isEvent() {}
func (Unknown) isEvent()      {}

// MarshalEvent encodes ev as a JSON object with its "type" discriminant
// as the first field.
func MarshalEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("marshal event: nil event")
	}
	if u, ok := ev.(Unknown); ok {
		return bytes.Clone(u.Raw), nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.Type(), err)
	}
	typ, err := json.Marshal(string(ev.Type()))
	if err != nil {
		return nil, fmt.Errorf("marshal event type: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// PeekType returns the "type" discriminant of a JSON-encoded event.
func PeekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("peek event type: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("peek event type: missing \"type\"")
	}
	return head.Type, nil
}

// UnmarshalEvent decodes a JSON-encoded event by its "type" discriminant.
// Unrecognised types decode to Unknown.
func UnmarshalEvent(data []byte) (Event, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	var ev Event
	switch EventType(typ) {
	case TypeRoomOpen:
		ev, err = decodeAs[RoomOpen](data)
	case TypeRoomClose:
		ev, err = decodeAs[RoomClose](data)
	case TypeJoin:
		ev, err = decodeAs[Join](data)
	case TypeLeave:
		ev, err = decodeAs[Leave](data)
	case TypeSetName:
		ev, err = decodeAs[SetName](data)
	case TypeSetReady:
		ev, err = decodeAs[SetReady](data)
	case TypeHeartbeat:
		ev, err = decodeAs[Heartbeat](data)
	case TypeKick:
		ev, err = decodeAs[Kick](data)
	case TypeTransferHost:
		ev, err = decodeAs[TransferHost](data)
	default:
		return Unknown{Kind: EventType(typ), Raw: bytes.Clone(data)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal event %s: %w", typ, err)
	}
	return ev, nil
}

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
