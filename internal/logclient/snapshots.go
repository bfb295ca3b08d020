package logclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/roach88/roomsync/internal/eventsync"
)

// Snapshots stores snapshots on the log server.
type Snapshots[S any] struct {
	t *transport
}

// NewSnapshots returns a snapshot store sharing c's server and HTTP client.
func NewSnapshots[S, E any](c *Client[E]) *Snapshots[S] {
	return &Snapshots[S]{t: c.transport}
}

// LoadLatest returns the newest snapshot of room, or nil if there is none.
func (s *Snapshots[S]) LoadLatest(ctx context.Context, room string) (*eventsync.Snapshot[S], error) {
	resp, err := s.t.do(ctx, http.MethodGet, s.t.roomURL(room, "snapshots", "latest"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var snap eventsync.Snapshot[S]
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot uploads state as of lastEventID.
func (s *Snapshots[S]) SaveSnapshot(ctx context.Context, room string, lastEventID eventsync.Ordinal, state S) error {
	body, err := json.Marshal(struct {
		LastEventID eventsync.Ordinal `json:"last_event_id"`
		State       S                 `json:"state"`
	}{lastEventID, state})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	resp, err := s.t.do(ctx, http.MethodPost, s.t.roomURL(room, "snapshots"), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}
