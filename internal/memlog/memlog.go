// Package memlog is an in-process room log. A Hub holds every room's
// envelopes and snapshots; each replica talks to it through its own Conn,
// which implements eventsync.EventLog and eventsync.SnapshotStore.
//
// memlog backs offline play, the scenario harness and tests. Conn can drop
// live deliveries to exercise gap filling.
package memlog

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/roomsync/internal/eventsync"
)

// Hub is a shared append-only log for many rooms. Safe for concurrent use.
type Hub[S, E any] struct {
	mu      sync.Mutex
	rooms   map[string]*roomLog[S, E]
	subs    map[int]*subscription[E]
	nextSub int
	now     func() time.Time
}

type roomLog[S, E any] struct {
	envelopes []eventsync.Envelope[E]
	eventIDs  map[string]eventsync.Ordinal
	snapshots []eventsync.Snapshot[S]
}

type subscription[E any] struct {
	room string
	conn interface {
		accept(eventsync.Envelope[E]) bool
	}
	fn func(eventsync.Envelope[E])
}

// HubOption configures a Hub.
type HubOption func(*hubConfig)

type hubConfig struct {
	now func() time.Time
}

// WithClock sets the time source used for CreatedAt stamps.
func WithClock(now func() time.Time) HubOption {
	return func(c *hubConfig) { c.now = now }
}

// NewHub creates an empty hub.
func NewHub[S, E any](opts ...HubOption) *Hub[S, E] {
	cfg := hubConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Hub[S, E]{
		rooms: make(map[string]*roomLog[S, E]),
		subs:  make(map[int]*subscription[E]),
		now:   cfg.now,
	}
}

func (h *Hub[S, E]) room(code string) *roomLog[S, E] {
	r, ok := h.rooms[code]
	if !ok {
		r = &roomLog[S, E]{eventIDs: make(map[string]eventsync.Ordinal)}
		h.rooms[code] = r
	}
	return r
}

// Append adds ev to room and fans it out to live subscribers. A repeated
// eventID is not appended again; deduped reports that case.
func (h *Hub[S, E]) Append(room, clientID, eventID string, ev E) (env eventsync.Envelope[E], deduped bool) {
	h.mu.Lock()
	r := h.room(room)
	if id, ok := r.eventIDs[eventID]; ok {
		env = r.envelopes[id-1]
		h.mu.Unlock()
		return env, true
	}
	env = eventsync.Envelope[E]{
		ID:        eventsync.Ordinal(len(r.envelopes) + 1),
		RoomCode:  room,
		Event:     ev,
		ClientID:  clientID,
		EventID:   eventID,
		CreatedAt: h.now().UTC().Format(time.RFC3339Nano),
	}
	r.envelopes = append(r.envelopes, env)
	r.eventIDs[eventID] = env.ID

	var targets []*subscription[E]
	for _, id := range slices.Sorted(maps.Keys(h.subs)) {
		if s := h.subs[id]; s.room == room {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		if s.conn.accept(env) {
			s.fn(env)
		}
	}
	return env, false
}

// Head returns the highest ordinal in room, or 0.
func (h *Hub[S, E]) Head(room string) eventsync.Ordinal {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[room]; ok {
		return eventsync.Ordinal(len(r.envelopes))
	}
	return 0
}

// Envelopes returns a copy of room's log.
func (h *Hub[S, E]) Envelopes(room string) []eventsync.Envelope[E] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[room]; ok {
		return slices.Clone(r.envelopes)
	}
	return nil
}

// Snapshots returns a copy of room's saved snapshots in save order.
func (h *Hub[S, E]) Snapshots(room string) []eventsync.Snapshot[S] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[room]; ok {
		return slices.Clone(r.snapshots)
	}
	return nil
}

func (h *Hub[S, E]) loadAfter(room string, after eventsync.Ordinal, limit int) []eventsync.Envelope[E] {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[room]
	if !ok || after < 0 || int(after) >= len(r.envelopes) {
		return nil
	}
	end := min(len(r.envelopes), int(after)+limit)
	return slices.Clone(r.envelopes[after:end])
}

func (h *Hub[S, E]) subscribe(s *subscription[E]) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub[S, E]) saveSnapshot(room string, last eventsync.Ordinal, state S) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.room(room)
	r.snapshots = append(r.snapshots, eventsync.Snapshot[S]{
		RoomCode:    room,
		LastEventID: last,
		State:       state,
		CreatedAt:   h.now().UTC().Format(time.RFC3339Nano),
	})
}

// latestSnapshot picks the highest cursor, later saves winning ties.
func (h *Hub[S, E]) latestSnapshot(room string) *eventsync.Snapshot[S] {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[room]
	if !ok {
		return nil
	}
	var best *eventsync.Snapshot[S]
	for i := range r.snapshots {
		if best == nil || r.snapshots[i].LastEventID >= best.LastEventID {
			snap := r.snapshots[i]
			best = &snap
		}
	}
	return best
}

// Conn is one replica's view of the hub.
type Conn[S, E any] struct {
	hub        *Hub[S, E]
	clientID   string
	ignoreSelf bool

	mu         sync.Mutex
	dropNext   int
	publishErr error
}

// ConnOption configures a Conn.
type ConnOption func(*connConfig)

type connConfig struct {
	ignoreSelf bool
}

// IgnoreSelf suppresses live delivery of this client's own envelopes.
// They still arrive through catch-up.
func IgnoreSelf() ConnOption {
	return func(c *connConfig) { c.ignoreSelf = true }
}

// Conn returns a connection for clientID.
func (h *Hub[S, E]) Conn(clientID string, opts ...ConnOption) *Conn[S, E] {
	var cfg connConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Conn[S, E]{hub: h, clientID: clientID, ignoreSelf: cfg.ignoreSelf}
}

var (
	_ eventsync.EventLog[int]      = (*Conn[int, int])(nil)
	_ eventsync.SnapshotStore[int] = (*Conn[int, int])(nil)
)

// ClientID implements eventsync.EventLog.
func (c *Conn[S, E]) ClientID() string {
	return c.clientID
}

// DropNext discards the next n live deliveries to this connection.
func (c *Conn[S, E]) DropNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropNext += n
}

// FailPublish makes subsequent publishes fail with err; nil restores them.
func (c *Conn[S, E]) FailPublish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

func (c *Conn[S, E]) accept(env eventsync.Envelope[E]) bool {
	if c.ignoreSelf && env.ClientID == c.clientID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropNext > 0 {
		c.dropNext--
		return false
	}
	return true
}

// LoadAfter implements eventsync.Pager.
func (c *Conn[S, E]) LoadAfter(ctx context.Context, room string, after eventsync.Ordinal, limit int) ([]eventsync.Envelope[E], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("memlog: limit must be positive, got %d", limit)
	}
	return c.hub.loadAfter(room, after, limit), nil
}

// Publish implements eventsync.EventLog.
func (c *Conn[S, E]) Publish(ctx context.Context, room, eventID string, ev E) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	err := c.publishErr
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("memlog: publish: %w", err)
	}
	if room == "" || eventID == "" {
		return fmt.Errorf("memlog: publish requires room and event id")
	}
	c.hub.Append(room, c.clientID, eventID, ev)
	return nil
}

// Subscribe implements eventsync.EventLog.
func (c *Conn[S, E]) Subscribe(_ context.Context, room string, fn func(eventsync.Envelope[E])) (func(), error) {
	return c.hub.subscribe(&subscription[E]{room: room, conn: c, fn: fn}), nil
}

// LoadLatest implements eventsync.SnapshotStore.
func (c *Conn[S, E]) LoadLatest(ctx context.Context, room string) (*eventsync.Snapshot[S], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.hub.latestSnapshot(room), nil
}

// SaveSnapshot implements eventsync.SnapshotStore.
func (c *Conn[S, E]) SaveSnapshot(ctx context.Context, room string, lastEventID eventsync.Ordinal, state S) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.saveSnapshot(room, lastEventID, state)
	return nil
}
