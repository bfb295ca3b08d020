package eventsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/roach88/roomsync/internal/engine"
	"github.com/stretchr/testify/require"
)

// seqState records events in application order so tests can observe
// ordering. The item "bad" is invalid.
type seqState struct {
	Items []string `json:"items"`
}

func seqSpec() engine.Spec[seqState, string] {
	return engine.Spec[seqState, string]{
		InitialState: func() seqState { return seqState{} },
		Reduce: func(s seqState, ev string) seqState {
			return seqState{Items: append(slices.Clone(s.Items), ev)}
		},
		Validate: func(s seqState) error {
			if slices.Contains(s.Items, "bad") {
				return engine.NewInvariantError("bad item", nil)
			}
			return nil
		},
	}
}

func env(room string, id int, ev string) Envelope[string] {
	return Envelope[string]{
		ID:       Ordinal(id),
		RoomCode: room,
		Event:    ev,
		ClientID: "other",
		EventID:  fmt.Sprintf("%s-e%d", room, id),
	}
}

type published struct {
	Room    string
	EventID string
	Event   string
}

// fakeLog is a scripted EventLog. Stored envelopes are returned in stored
// order (not sorted) so the replica's own sorting is observable.
type fakeLog struct {
	mu         sync.Mutex
	envs       []Envelope[string]
	afters     []Ordinal
	subs       map[int]fakeSub
	nextSub    int
	published  []published
	loadErr    error
	publishErr error
	// autoAppend appends published events to the log and delivers them live.
	autoAppend bool
}

type fakeSub struct {
	room string
	fn   func(Envelope[string])
}

func newFakeLog(envs ...Envelope[string]) *fakeLog {
	return &fakeLog{envs: envs, subs: make(map[int]fakeSub)}
}

func (f *fakeLog) LoadAfter(_ context.Context, room string, after Ordinal, limit int) ([]Envelope[string], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afters = append(f.afters, after)
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	var page []Envelope[string]
	for _, e := range f.envs {
		if e.RoomCode == room && e.ID > after && len(page) < limit {
			page = append(page, e)
		}
	}
	return page, nil
}

func (f *fakeLog) Publish(_ context.Context, room, eventID string, ev string) error {
	f.mu.Lock()
	if f.publishErr != nil {
		f.mu.Unlock()
		return f.publishErr
	}
	f.published = append(f.published, published{Room: room, EventID: eventID, Event: ev})
	if !f.autoAppend {
		f.mu.Unlock()
		return nil
	}
	var head Ordinal
	for _, e := range f.envs {
		if e.RoomCode == room && e.ID > head {
			head = e.ID
		}
	}
	e := Envelope[string]{ID: head + 1, RoomCode: room, Event: ev, ClientID: "me", EventID: eventID}
	f.envs = append(f.envs, e)
	f.mu.Unlock()

	f.deliver(e)
	return nil
}

func (f *fakeLog) Subscribe(_ context.Context, room string, fn func(Envelope[string])) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fakeSub{room: room, fn: fn}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}, nil
}

func (f *fakeLog) ClientID() string { return "me" }

// store appends envelopes without live delivery.
func (f *fakeLog) store(envs ...Envelope[string]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, envs...)
}

// deliver pushes e to live subscribers of its room.
func (f *fakeLog) deliver(e Envelope[string]) {
	f.mu.Lock()
	var fns []func(Envelope[string])
	for _, s := range f.subs {
		if s.room == e.RoomCode {
			fns = append(fns, s.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (f *fakeLog) setLoadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr = err
}

func (f *fakeLog) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *fakeLog) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeLog) loadCalls() []Ordinal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.afters)
}

func (f *fakeLog) publishedEvents() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.published)
}

// memSnapshots is an in-memory SnapshotStore.
type memSnapshots struct {
	mu    sync.Mutex
	snaps []Snapshot[seqState]
	err   error
}

func (m *memSnapshots) LoadLatest(_ context.Context, room string) (*Snapshot[seqState], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var best *Snapshot[seqState]
	for i := range m.snaps {
		s := m.snaps[i]
		if s.RoomCode == room && (best == nil || s.LastEventID >= best.LastEventID) {
			best = &s
		}
	}
	return best, nil
}

func (m *memSnapshots) SaveSnapshot(_ context.Context, room string, last Ordinal, state seqState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snaps = append(m.snaps, Snapshot[seqState]{RoomCode: room, LastEventID: last, State: state})
	return nil
}

func (m *memSnapshots) all() []Snapshot[seqState] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.snaps)
}

var errUnavailable = errors.New("log unavailable")

func newSeqReplica(t *testing.T, log EventLog[string], snaps SnapshotStore[seqState], opts Options) *Replica[seqState, string] {
	t.Helper()
	eng, err := engine.New(seqSpec())
	require.NoError(t, err)
	r := NewReplica(eng, log, snaps, opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func bindHydrated(t *testing.T, r *Replica[seqState, string], room string) {
	t.Helper()
	ctx := testContext(t)
	require.NoError(t, r.Bind(ctx, room))
	require.NoError(t, r.WaitHydrated(ctx))
}
