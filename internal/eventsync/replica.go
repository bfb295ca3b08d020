package eventsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/roomsync/internal/engine"
)

// ReasonNoRoom is reported when an event is applied locally because no room
// is bound.
const ReasonNoRoom = "no-room"

// ErrClosed is returned by operations on a closed Replica.
var ErrClosed = errors.New("eventsync: replica closed")

// Options tunes a Replica. Zero values select the defaults.
type Options struct {
	// InitialCursor is the cursor used when no snapshot is restored.
	InitialCursor Ordinal
	// DedupeCapacity bounds the recency set of applied event ids.
	DedupeCapacity int
	// PageLimit is the catch-up page size.
	PageLimit int
	// Optimistic applies locally dispatched events before publishing them.
	Optimistic bool
	// SnapshotEvery saves a snapshot after every N applied log events.
	// Zero disables snapshotting.
	SnapshotEvery int
	// IDs generates idempotency tokens. Defaults to UUIDv7Generator.
	IDs    IDGenerator
	Logger *slog.Logger
}

// DispatchResult describes what Dispatch did with a local event.
type DispatchResult struct {
	Published bool
	// Reason is set when the event was not published.
	Reason  string
	EventID string
}

// Replica drives one engine from a room's event log.
//
// Thread-safety: all methods are safe for concurrent use.
type Replica[S, E any] struct {
	engine *engine.Engine[S, E]
	log    EventLog[E]
	snaps  SnapshotStore[S]
	opts   Options
	logger *slog.Logger

	// applyMu serializes engine mutations and recency set access.
	applyMu sync.Mutex

	mu       sync.Mutex
	sess     *session[S, E]
	closed   bool
	cursor   Ordinal
	hydrated bool
	changed  chan struct{}
}

// session is the per-room sync state. Everything except the tracker's
// recency set is owned by the session goroutine.
type session[S, E any] struct {
	room   string
	ctx    context.Context
	cancel context.CancelFunc
	alive  atomic.Bool
	queue  *workQueue[Envelope[E]]
	done   chan struct{}
	unsub  func()
	saves  sync.WaitGroup

	tr      *tracker[S, E]
	applied int
	// pending holds optimistic event ids not yet seen in the log. While
	// non-empty the engine state is ahead of the cursor, so a due snapshot
	// is owed until it drains.
	pending map[string]struct{}
	owed    bool
}

// NewReplica creates an unbound replica around eng. log may be nil for a
// purely offline replica; snaps may be nil to disable snapshots.
func NewReplica[S, E any](eng *engine.Engine[S, E], log EventLog[E], snaps SnapshotStore[S], opts Options) *Replica[S, E] {
	if opts.DedupeCapacity <= 0 {
		opts.DedupeCapacity = DefaultDedupeCapacity
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = DefaultPageLimit
	}
	opts.PageLimit = min(opts.PageLimit, MaxPageLimit)
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Replica[S, E]{
		engine:  eng,
		log:     log,
		snaps:   snaps,
		opts:    opts,
		logger:  logger,
		cursor:  opts.InitialCursor,
		changed: make(chan struct{}),
	}
}

// Engine returns the engine driven by the replica.
func (r *Replica[S, E]) Engine() *engine.Engine[S, E] {
	return r.engine
}

// State returns the engine's current state.
func (r *Replica[S, E]) State() S {
	return r.engine.State()
}

// ClientID returns the log's client id, or "" when offline.
func (r *Replica[S, E]) ClientID() string {
	if r.log == nil {
		return ""
	}
	return r.log.ClientID()
}

// Room returns the bound room code, or "".
func (r *Replica[S, E]) Room() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return ""
	}
	return r.sess.room
}

// Cursor returns the ordinal of the last applied log envelope.
func (r *Replica[S, E]) Cursor() Ordinal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Hydrated reports whether the startup sequence for the bound room has
// finished, successfully or not.
func (r *Replica[S, E]) Hydrated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hydrated
}

// Bind tears down any current room and starts syncing room. The engine is
// reset to the initial state, then restored from the latest snapshot and
// caught up from the log in the background; use WaitHydrated to block
// until that finishes. Binding "" leaves the replica offline.
//
// The session runs until ctx is cancelled, the next Bind, or Close.
func (r *Replica[S, E]) Bind(ctx context.Context, room string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	old := r.sess
	r.sess = nil
	r.cursor = r.opts.InitialCursor
	r.hydrated = false
	r.broadcastLocked()
	r.mu.Unlock()

	if old != nil {
		r.teardown(old)
	}
	if room == "" {
		return nil
	}
	if r.log == nil {
		return fmt.Errorf("bind %s: no event log configured", room)
	}

	r.applyMu.Lock()
	err := r.engine.ReplaceState(r.engine.Spec().InitialState())
	r.applyMu.Unlock()
	if err != nil {
		return fmt.Errorf("bind %s: reset state: %w", room, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session[S, E]{
		room:    room,
		ctx:     sctx,
		cancel:  cancel,
		queue:   newWorkQueue[Envelope[E]](),
		done:    make(chan struct{}),
		tr:      newTracker(r.engine, r.opts.InitialCursor, r.opts.DedupeCapacity),
		pending: make(map[string]struct{}),
	}
	s.alive.Store(true)

	r.mu.Lock()
	if r.closed || r.sess != nil {
		r.mu.Unlock()
		cancel()
		if r.closed {
			return ErrClosed
		}
		return fmt.Errorf("bind %s: concurrent bind", room)
	}
	r.sess = s
	r.mu.Unlock()

	go r.run(s)
	return nil
}

// Close tears down the bound room, waiting for in-flight snapshot saves.
func (r *Replica[S, E]) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	s := r.sess
	r.sess = nil
	r.broadcastLocked()
	r.mu.Unlock()

	if s != nil {
		r.teardown(s)
	}
	return nil
}

// Dispatch handles a locally originated event.
//
// Offline, the event is applied to the engine only. Bound to a room, the
// event is checked against the current state (or applied, when
// Optimistic), then published with a fresh idempotency token. Publish
// failures are returned and not retried; an optimistic apply stays in
// place.
func (r *Replica[S, E]) Dispatch(ctx context.Context, ev E) (DispatchResult, error) {
	r.mu.Lock()
	s, closed := r.sess, r.closed
	r.mu.Unlock()
	if closed {
		return DispatchResult{}, ErrClosed
	}

	if s == nil {
		res := DispatchResult{Reason: ReasonNoRoom}
		r.applyMu.Lock()
		err := r.engine.Dispatch(ev)
		r.applyMu.Unlock()
		return res, err
	}

	res := DispatchResult{EventID: r.opts.IDs.Generate()}
	if r.opts.Optimistic {
		r.applyMu.Lock()
		err := r.engine.Dispatch(ev)
		if err == nil {
			s.tr.seen.Add(res.EventID)
			s.pending[res.EventID] = struct{}{}
		}
		r.applyMu.Unlock()
		if err != nil {
			return res, err
		}
	} else if err := r.engine.Check(ev); err != nil {
		return res, err
	}

	if err := r.log.Publish(ctx, s.room, res.EventID, ev); err != nil {
		if r.opts.Optimistic {
			// An unpublished event is never confirmed.
			r.applyMu.Lock()
			delete(s.pending, res.EventID)
			r.applyMu.Unlock()
		}
		return res, fmt.Errorf("publish to %s: %w", s.room, err)
	}
	res.Published = true
	return res, nil
}

// WaitHydrated blocks until the bound room has hydrated.
func (r *Replica[S, E]) WaitHydrated(ctx context.Context) error {
	return r.waitFor(ctx, r.Hydrated)
}

// WaitCursor blocks until the cursor reaches at least target.
func (r *Replica[S, E]) WaitCursor(ctx context.Context, target Ordinal) error {
	return r.waitFor(ctx, func() bool { return r.Cursor() >= target })
}

// WaitForEvent blocks until the envelope carrying eventID has been seen by
// the bound room.
func (r *Replica[S, E]) WaitForEvent(ctx context.Context, eventID string) error {
	return r.waitFor(ctx, func() bool {
		r.mu.Lock()
		s := r.sess
		r.mu.Unlock()
		if s == nil {
			return false
		}
		r.applyMu.Lock()
		defer r.applyMu.Unlock()
		return s.tr.seen.Has(eventID)
	})
}

func (r *Replica[S, E]) waitFor(ctx context.Context, cond func() bool) error {
	for {
		r.mu.Lock()
		ch, closed := r.changed, r.closed
		r.mu.Unlock()
		if cond() {
			return nil
		}
		if closed {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// broadcastLocked wakes all waiters. Requires r.mu.
func (r *Replica[S, E]) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// publish copies session progress to the replica if s is still current.
func (r *Replica[S, E]) publish(s *session[S, E], cursor Ordinal, hydrated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != s {
		return
	}
	r.cursor = cursor
	if hydrated {
		r.hydrated = true
	}
	r.broadcastLocked()
}

func (r *Replica[S, E]) teardown(s *session[S, E]) {
	s.alive.Store(false)
	s.cancel()
	s.queue.Close()
	<-s.done
	if s.unsub != nil {
		s.unsub()
	}
	s.saves.Wait()
}

// run is the session goroutine: startup, then live envelopes in arrival
// order until teardown.
func (r *Replica[S, E]) run(s *session[S, E]) {
	defer close(s.done)

	r.startup(s)
	r.publish(s, s.tr.cursor, true)

	for {
		for {
			env, ok := s.queue.TryDequeue()
			if !ok {
				break
			}
			if !s.alive.Load() {
				return
			}
			r.handleLive(s, env)
		}
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-s.queue.Wait():
			if !ok {
				return
			}
		}
	}
}

// startup restores the latest snapshot, opens the live subscription and
// catches up. Live envelopes that arrive meanwhile wait in the queue and
// are filtered by the cursor afterwards. Failures are logged; hydration
// always completes.
func (r *Replica[S, E]) startup(s *session[S, E]) {
	if r.snaps != nil {
		snap, err := r.snaps.LoadLatest(s.ctx, s.room)
		switch {
		case err != nil:
			r.logger.Error("load snapshot failed", "room", s.room, "error", err)
		case snap != nil && s.alive.Load():
			r.restore(s, snap)
		}
	}
	if !s.alive.Load() {
		return
	}

	unsub, err := r.log.Subscribe(s.ctx, s.room, func(env Envelope[E]) {
		if s.alive.Load() {
			s.queue.Enqueue(env)
		}
	})
	if err != nil {
		r.logger.Error("live subscription failed", "room", s.room, "error", err)
	} else {
		s.unsub = unsub
	}

	if err := r.catchUp(s); err != nil {
		r.logger.Error("catch-up failed", "room", s.room, "cursor", s.tr.cursor, "error", err)
	}
}

func (r *Replica[S, E]) restore(s *session[S, E], snap *Snapshot[S]) {
	r.applyMu.Lock()
	err := r.engine.ReplaceState(snap.State)
	if err == nil {
		s.tr.cursor = snap.LastEventID
	}
	r.applyMu.Unlock()

	if err != nil {
		r.logger.Warn("snapshot rejected", "room", s.room, "last_event_id", snap.LastEventID, "error", err)
		return
	}
	r.logger.Debug("snapshot restored", "room", s.room, "last_event_id", snap.LastEventID)
	r.publish(s, snap.LastEventID, false)
}

func (r *Replica[S, E]) catchUp(s *session[S, E]) error {
	return drainPages(s.ctx, r.log, s.room, r.opts.PageLimit,
		func() Ordinal { return s.tr.cursor },
		func(env Envelope[E]) bool {
			if !s.alive.Load() {
				return false
			}
			r.apply(s, env)
			return true
		})
}

// handleLive applies a live envelope, first filling any gap between the
// cursor and the envelope from the log. If the gap cannot be filled the
// envelope is dropped; the next catch-up reads it from the log by ordinal.
func (r *Replica[S, E]) handleLive(s *session[S, E], env Envelope[E]) {
	if env.RoomCode != "" && env.RoomCode != s.room {
		return
	}
	if env.ID > s.tr.cursor+1 {
		r.logger.Debug("gap detected", "room", s.room, "cursor", s.tr.cursor, "id", env.ID)
		if err := r.catchUp(s); err != nil {
			r.logger.Error("gap fill failed", "room", s.room, "cursor", s.tr.cursor, "id", env.ID, "error", err)
			return
		}
		if !s.alive.Load() {
			return
		}
		if env.ID > s.tr.cursor+1 {
			r.logger.Warn("gap not filled", "room", s.room, "cursor", s.tr.cursor, "id", env.ID)
			return
		}
	}
	r.apply(s, env)
}

func (r *Replica[S, E]) apply(s *session[S, E], env Envelope[E]) {
	r.applyMu.Lock()
	if !s.alive.Load() {
		r.applyMu.Unlock()
		return
	}
	out, err := s.tr.apply(env)
	cursor := s.tr.cursor
	var (
		snapshotDue bool
		state       S
	)
	if out == outcomeDuplicate {
		delete(s.pending, env.EventID)
	}
	if r.snaps != nil && r.opts.SnapshotEvery > 0 {
		if out == outcomeApplied {
			s.applied++
			if s.applied%r.opts.SnapshotEvery == 0 {
				s.owed = true
			}
		}
		if s.owed && len(s.pending) == 0 {
			s.owed = false
			snapshotDue = true
			state = r.engine.State()
		}
	}
	r.applyMu.Unlock()

	if out == outcomeRejected {
		r.logger.Warn("log event rejected by engine",
			"room", s.room, "id", env.ID, "event_id", env.EventID, "client_id", env.ClientID, "error", err)
	}
	if snapshotDue {
		r.saveSnapshot(s, cursor, state)
	}
	r.publish(s, cursor, false)
}

// saveSnapshot persists state at cursor in the background. Failures are
// logged only.
func (r *Replica[S, E]) saveSnapshot(s *session[S, E], cursor Ordinal, state S) {
	room := s.room
	ctx := context.WithoutCancel(s.ctx)

	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		if err := r.snaps.SaveSnapshot(ctx, room, cursor, state); err != nil {
			r.logger.Warn("snapshot save failed", "room", room, "last_event_id", cursor, "error", err)
			return
		}
		r.logger.Debug("snapshot saved", "room", room, "last_event_id", cursor)
	}()
}
