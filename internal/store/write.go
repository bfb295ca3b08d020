package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/roomsync/internal/canonical"
	"github.com/roach88/roomsync/internal/eventsync"
)

// RawEnvelope is an envelope whose event is stored JSON.
type RawEnvelope = eventsync.Envelope[json.RawMessage]

// RawSnapshot is a snapshot whose state is stored JSON.
type RawSnapshot = eventsync.Snapshot[json.RawMessage]

// AppendEvent appends event to room's log and returns the stored envelope.
//
// The event is stored as canonical JSON. Appending an event_id that the
// room already holds inserts nothing and returns the existing envelope with
// deduped=true.
func (s *Store) AppendEvent(ctx context.Context, room, clientID, eventID string, event json.RawMessage) (env RawEnvelope, deduped bool, err error) {
	eventJSON, err := canonical.Canonicalize(event)
	if err != nil {
		return RawEnvelope{}, false, fmt.Errorf("append event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RawEnvelope{}, false, fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	createdAt := s.timestamp()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO room_events
		(room_code, id, event, client_id, event_id, created_at)
		SELECT ?, COALESCE(MAX(id), 0) + 1, ?, ?, ?, ?
		FROM room_events WHERE room_code = ?
		ON CONFLICT(room_code, event_id) DO NOTHING
	`,
		room,
		string(eventJSON),
		clientID,
		eventID,
		createdAt,
		room,
	)
	if err != nil {
		return RawEnvelope{}, false, fmt.Errorf("append event: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return RawEnvelope{}, false, fmt.Errorf("append event: rows affected: %w", err)
	}
	deduped = rowsAffected == 0

	row := tx.QueryRowContext(ctx, `
		SELECT id, room_code, event, client_id, event_id, created_at
		FROM room_events
		WHERE room_code = ? AND event_id = ?
	`, room, eventID)
	env, err = scanEnvelope(row)
	if err != nil {
		return RawEnvelope{}, false, fmt.Errorf("append event: select: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RawEnvelope{}, false, fmt.Errorf("append event: commit: %w", err)
	}
	return env, deduped, nil
}

// SaveSnapshot appends a snapshot of room at lastEventID. Snapshots are
// never overwritten; racing saves at the same cursor are all kept.
func (s *Store) SaveSnapshot(ctx context.Context, room string, lastEventID eventsync.Ordinal, state json.RawMessage) error {
	stateJSON, err := canonical.Canonicalize(state)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_snapshots
		(room_code, last_event_id, state, created_at)
		VALUES (?, ?, ?, ?)
	`,
		room,
		int64(lastEventID),
		string(stateJSON),
		s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// rateRetention is how many past seconds of rate windows are kept.
const rateRetention = 60

// TakeRateToken counts one publish by clientID in room against a fixed
// one-second window. It returns false, without counting, when the window
// already holds limit publishes.
func (s *Store) TakeRateToken(ctx context.Context, room, clientID string, limit int) (bool, error) {
	window := s.now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("rate limit: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM room_event_rate
		WHERE room_code = ? AND client_id = ? AND window_start = ?
	`, room, clientID, window).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("rate limit: select: %w", err)
	}
	if count >= limit {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_event_rate (room_code, client_id, window_start, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(room_code, client_id, window_start) DO UPDATE SET count = count + 1
	`, room, clientID, window)
	if err != nil {
		return false, fmt.Errorf("rate limit: upsert: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM room_event_rate WHERE window_start < ?
	`, window-rateRetention)
	if err != nil {
		return false, fmt.Errorf("rate limit: prune: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("rate limit: commit: %w", err)
	}
	return true, nil
}
