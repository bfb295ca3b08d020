package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/roomsync/internal/eventsync"
)

// MaxPageLimit caps LoadAfter page sizes.
const MaxPageLimit = eventsync.MaxPageLimit

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (RawEnvelope, error) {
	var (
		env   RawEnvelope
		id    int64
		event string
	)
	if err := row.Scan(&id, &env.RoomCode, &event, &env.ClientID, &env.EventID, &env.CreatedAt); err != nil {
		return RawEnvelope{}, err
	}
	env.ID = eventsync.Ordinal(id)
	env.Event = json.RawMessage(event)
	return env, nil
}

// LoadAfter returns up to limit envelopes of room with id > after, in
// ascending id order. limit is clamped to [1, MaxPageLimit].
//
// Returns an empty slice (not nil) when there is nothing newer.
func (s *Store) LoadAfter(ctx context.Context, room string, after eventsync.Ordinal, limit int) ([]RawEnvelope, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_code, event, client_id, event_id, created_at
		FROM room_events
		WHERE room_code = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, room, int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("query room events: %w", err)
	}
	defer rows.Close()

	envelopes := []RawEnvelope{}
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room event: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room events: %w", err)
	}
	return envelopes, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 1
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

// Head returns the highest ordinal in room, or 0 for an empty room.
func (s *Store) Head(ctx context.Context, room string) (eventsync.Ordinal, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM room_events WHERE room_code = ?
	`, room).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("room head: %w", err)
	}
	return eventsync.Ordinal(head), nil
}

// LoadLatestSnapshot returns room's snapshot with the highest
// last_event_id (latest save wins ties), or nil if there is none.
func (s *Store) LoadLatestSnapshot(ctx context.Context, room string) (*RawSnapshot, error) {
	var (
		snap  RawSnapshot
		last  int64
		state string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT room_code, last_event_id, state, created_at
		FROM room_snapshots
		WHERE room_code = ?
		ORDER BY last_event_id DESC, seq DESC
		LIMIT 1
	`, room).Scan(&snap.RoomCode, &last, &state, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}
	snap.LastEventID = eventsync.Ordinal(last)
	snap.State = json.RawMessage(state)
	return &snap, nil
}

// RoomSummary describes one room's log.
type RoomSummary struct {
	RoomCode     string            `json:"room_code"`
	Events       int64             `json:"events"`
	Head         eventsync.Ordinal `json:"head"`
	SnapshotAt   eventsync.Ordinal `json:"snapshot_at"`
	HasSnapshots bool              `json:"has_snapshots"`
}

// Rooms summarizes every room with at least one event, ordered by code.
func (s *Store) Rooms(ctx context.Context) ([]RoomSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.room_code, COUNT(*), MAX(e.id),
		       (SELECT MAX(last_event_id) FROM room_snapshots sn WHERE sn.room_code = e.room_code)
		FROM room_events e
		GROUP BY e.room_code
		ORDER BY e.room_code COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	rooms := []RoomSummary{}
	for rows.Next() {
		var (
			r        RoomSummary
			head     int64
			snapshot sql.NullInt64
		)
		if err := rows.Scan(&r.RoomCode, &r.Events, &head, &snapshot); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.Head = eventsync.Ordinal(head)
		if snapshot.Valid {
			r.HasSnapshots = true
			r.SnapshotAt = eventsync.Ordinal(snapshot.Int64)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}
