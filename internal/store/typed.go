package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/roomsync/internal/canonical"
	"github.com/roach88/roomsync/internal/eventsync"
)

// Pager reads a room log from the store with typed events.
type Pager[E any] struct {
	store  *Store
	decode func([]byte) (E, error)
}

// NewPager returns a typed pager. decode defaults to encoding/json.
func NewPager[E any](s *Store, decode func([]byte) (E, error)) *Pager[E] {
	if decode == nil {
		decode = eventsync.JSONDecoder[E]()
	}
	return &Pager[E]{store: s, decode: decode}
}

var _ eventsync.Pager[int] = (*Pager[int])(nil)

// LoadAfter implements eventsync.Pager.
func (p *Pager[E]) LoadAfter(ctx context.Context, room string, after eventsync.Ordinal, limit int) ([]eventsync.Envelope[E], error) {
	raw, err := p.store.LoadAfter(ctx, room, after, limit)
	if err != nil {
		return nil, err
	}
	return eventsync.DecodePage(raw, p.decode), nil
}

// Snapshots stores typed snapshot states as canonical JSON.
type Snapshots[S any] struct {
	store *Store
}

// NewSnapshots returns a typed snapshot store.
func NewSnapshots[S any](s *Store) *Snapshots[S] {
	return &Snapshots[S]{store: s}
}

var _ eventsync.SnapshotStore[int] = (*Snapshots[int])(nil)

// LoadLatest implements eventsync.SnapshotStore.
func (t *Snapshots[S]) LoadLatest(ctx context.Context, room string) (*eventsync.Snapshot[S], error) {
	raw, err := t.store.LoadLatestSnapshot(ctx, room)
	if err != nil || raw == nil {
		return nil, err
	}
	var state S
	if err := json.Unmarshal(raw.State, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot state: %w", err)
	}
	return &eventsync.Snapshot[S]{
		RoomCode:    raw.RoomCode,
		LastEventID: raw.LastEventID,
		State:       state,
		CreatedAt:   raw.CreatedAt,
	}, nil
}

// SaveSnapshot implements eventsync.SnapshotStore.
func (t *Snapshots[S]) SaveSnapshot(ctx context.Context, room string, lastEventID eventsync.Ordinal, state S) error {
	data, err := canonical.Marshal(state)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return t.store.SaveSnapshot(ctx, room, lastEventID, data)
}
