package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/roach88/roomsync/internal/participants"
)

// DefaultHeartbeat is the interval RunHeartbeat uses when given zero.
const DefaultHeartbeat = 8 * time.Second

// Replica is the sync replica a Session drives.
type Replica[G, GE any] = eventsync.Replica[State[G], Event[GE]]

// SessionOptions configures a Session.
type SessionOptions struct {
	// ClientID is the participant id. Defaults to the replica's log client
	// id; required for an offline replica.
	ClientID string
	// Now returns unix milliseconds for event timestamps. Defaults to the
	// wall clock.
	Now    func() int64
	Logger *slog.Logger
}

// Session is one participant's view of a room: membership actions stamped
// with the participant's id and the current time, plus selectors over the
// replicated state.
//
// Thread-safety: safe for concurrent use.
type Session[G, GE any] struct {
	replica  *Replica[G, GE]
	roomCode string
	id       string
	now      func() int64
	logger   *slog.Logger
}

// NewSession creates a session for roomCode over r. It does not bind r;
// the caller binds the replica to the same room.
func NewSession[G, GE any](r *Replica[G, GE], roomCode string, opts SessionOptions) (*Session[G, GE], error) {
	if roomCode == "" {
		return nil, errors.New("room session: room code is required")
	}
	id := opts.ClientID
	if id == "" {
		id = r.ClientID()
	}
	if id == "" {
		return nil, errors.New("room session: client id is required without an event log")
	}
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session[G, GE]{
		replica:  r,
		roomCode: roomCode,
		id:       id,
		now:      now,
		logger:   logger,
	}, nil
}

// ClientID returns the participant id this session acts as.
func (s *Session[G, GE]) ClientID() string { return s.id }

// RoomCode returns the session's room code.
func (s *Session[G, GE]) RoomCode() string { return s.roomCode }

// Replica returns the underlying replica.
func (s *Session[G, GE]) Replica() *Replica[G, GE] { return s.replica }

func (s *Session[G, GE]) dispatch(ctx context.Context, ev participants.Event) (eventsync.DispatchResult, error) {
	res, err := s.replica.Dispatch(ctx, ParticipantsEvent[GE](ev))
	if err != nil {
		return res, fmt.Errorf("%s: %w", ev.Type(), err)
	}
	return res, nil
}

// Join opens the room (binding its code, reopening it if closed) and adds
// this participant under name. Both events share one timestamp.
func (s *Session[G, GE]) Join(ctx context.Context, name string) error {
	at := s.now()
	if _, err := s.dispatch(ctx, participants.RoomOpen{RoomCode: s.roomCode, At: at}); err != nil {
		return err
	}
	_, err := s.dispatch(ctx, participants.Join{ID: s.id, Name: name, At: at})
	return err
}

// Leave removes this participant.
func (s *Session[G, GE]) Leave(ctx context.Context) error {
	_, err := s.dispatch(ctx, participants.Leave{ID: s.id, At: s.now()})
	return err
}

// Heartbeat refreshes this participant's liveness.
func (s *Session[G, GE]) Heartbeat(ctx context.Context) error {
	_, err := s.dispatch(ctx, participants.Heartbeat{ID: s.id, At: s.now()})
	return err
}

// SetReady sets this participant's ready flag.
func (s *Session[G, GE]) SetReady(ctx context.Context, ready bool) error {
	_, err := s.dispatch(ctx, participants.SetReady{ID: s.id, Ready: ready, At: s.now()})
	return err
}

// SetName renames this participant.
func (s *Session[G, GE]) SetName(ctx context.Context, name string) error {
	_, err := s.dispatch(ctx, participants.SetName{ID: s.id, Name: name, At: s.now()})
	return err
}

// TransferHost hands the host role to toID.
func (s *Session[G, GE]) TransferHost(ctx context.Context, toID string) error {
	_, err := s.dispatch(ctx, participants.TransferHost{ToID: toID, At: s.now()})
	return err
}

// Kick removes another participant.
func (s *Session[G, GE]) Kick(ctx context.Context, id string) error {
	_, err := s.dispatch(ctx, participants.Kick{ID: id, At: s.now()})
	return err
}

// CloseRoom puts the room into read-only mode until the next Join.
func (s *Session[G, GE]) CloseRoom(ctx context.Context) error {
	_, err := s.dispatch(ctx, participants.RoomClose{At: s.now()})
	return err
}

// DispatchGame dispatches an application event.
func (s *Session[G, GE]) DispatchGame(ctx context.Context, ev GE) (eventsync.DispatchResult, error) {
	res, err := s.replica.Dispatch(ctx, GameEvent(ev))
	if err != nil {
		return res, fmt.Errorf("%s: %w", GameType, err)
	}
	return res, nil
}

// RunHeartbeat sends a heartbeat every interval until ctx ends. Failed
// heartbeats are logged and the loop continues.
func (s *Session[G, GE]) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("heartbeat failed", "room", s.roomCode, "client_id", s.id, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// State returns the current room state.
func (s *Session[G, GE]) State() State[G] {
	return s.replica.State()
}

// Me returns this participant, if present.
func (s *Session[G, GE]) Me() (participants.Participant, bool) {
	p, ok := s.State().Participants.ByID[s.id]
	return p, ok
}

// IsHost reports whether this participant is the host.
func (s *Session[G, GE]) IsHost() bool {
	return s.State().Participants.HostID == s.id
}

// Participants lists current participants in join order.
func (s *Session[G, GE]) Participants() []participants.Participant {
	return s.State().Participants.List()
}

// Closed reports whether the room is read-only.
func (s *Session[G, GE]) Closed() bool {
	return s.State().Participants.Closed
}

// Game returns the application state.
func (s *Session[G, GE]) Game() G {
	return s.State().Game
}
