package memlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roach88/roomsync/internal/counter"
	"github.com/roach88/roomsync/internal/engine"
	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestHub_AppendAssignsOrdinalsPerRoom(t *testing.T) {
	hub := NewHub[counter.State, counter.Event](WithClock(fixedClock))

	a, deduped := hub.Append("r1", "c1", "e1", counter.Inc(1))
	require.False(t, deduped)
	b, _ := hub.Append("r1", "c1", "e2", counter.Inc(2))
	other, _ := hub.Append("r2", "c1", "e3", counter.Reset())

	assert.Equal(t, eventsync.Ordinal(1), a.ID)
	assert.Equal(t, eventsync.Ordinal(2), b.ID)
	assert.Equal(t, eventsync.Ordinal(1), other.ID)
	assert.Equal(t, "2026-01-02T03:04:05Z", a.CreatedAt)
	assert.Equal(t, eventsync.Ordinal(2), hub.Head("r1"))
	assert.Equal(t, eventsync.Ordinal(0), hub.Head("missing"))
}

func TestHub_DuplicateEventIDIsDeduped(t *testing.T) {
	hub := NewHub[counter.State, counter.Event]()
	first, _ := hub.Append("r1", "c1", "e1", counter.Inc(1))
	again, deduped := hub.Append("r1", "c2", "e1", counter.Inc(5))

	assert.True(t, deduped)
	assert.Equal(t, first, again)
	assert.Len(t, hub.Envelopes("r1"), 1)
}

func TestConn_LoadAfterPages(t *testing.T) {
	hub := NewHub[counter.State, counter.Event]()
	for _, id := range []string{"e1", "e2", "e3"} {
		hub.Append("r1", "c1", id, counter.Inc(1))
	}
	conn := hub.Conn("c1")
	ctx := context.Background()

	page, err := conn.LoadAfter(ctx, "r1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, eventsync.Ordinal(1), page[0].ID)

	page, err = conn.LoadAfter(ctx, "r1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "e3", page[0].EventID)

	page, err = conn.LoadAfter(ctx, "r1", 3, 2)
	require.NoError(t, err)
	assert.Empty(t, page)

	_, err = conn.LoadAfter(ctx, "r1", 0, 0)
	assert.Error(t, err)
}

func TestConn_SubscribeDropAndIgnoreSelf(t *testing.T) {
	hub := NewHub[counter.State, counter.Event]()
	ctx := context.Background()

	self := hub.Conn("me", IgnoreSelf())
	other := hub.Conn("other")

	var selfGot, otherGot []eventsync.Ordinal
	unsubSelf, err := self.Subscribe(ctx, "r1", func(env eventsync.Envelope[counter.Event]) {
		selfGot = append(selfGot, env.ID)
	})
	require.NoError(t, err)
	_, err = other.Subscribe(ctx, "r1", func(env eventsync.Envelope[counter.Event]) {
		otherGot = append(otherGot, env.ID)
	})
	require.NoError(t, err)

	other.DropNext(1)
	require.NoError(t, self.Publish(ctx, "r1", "e1", counter.Inc(1)))
	require.NoError(t, other.Publish(ctx, "r1", "e2", counter.Inc(1)))
	unsubSelf()
	unsubSelf()
	require.NoError(t, other.Publish(ctx, "r1", "e3", counter.Inc(1)))

	assert.Equal(t, []eventsync.Ordinal{2}, selfGot, "own envelope suppressed, then unsubscribed")
	assert.Equal(t, []eventsync.Ordinal{2, 3}, otherGot, "first delivery dropped")
}

func TestConn_FailPublish(t *testing.T) {
	hub := NewHub[counter.State, counter.Event]()
	conn := hub.Conn("c1")
	boom := errors.New("boom")

	conn.FailPublish(boom)
	err := conn.Publish(context.Background(), "r1", "e1", counter.Inc(1))
	require.ErrorIs(t, err, boom)
	assert.Empty(t, hub.Envelopes("r1"))

	conn.FailPublish(nil)
	require.NoError(t, conn.Publish(context.Background(), "r1", "e1", counter.Inc(1)))
}

func TestConn_SnapshotsLatestByCursor(t *testing.T) {
	hub := NewHub[counter.State, counter.Event]()
	conn := hub.Conn("c1")
	ctx := context.Background()

	snap, err := conn.LoadLatest(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, conn.SaveSnapshot(ctx, "r1", 4, counter.State{Value: 4}))
	require.NoError(t, conn.SaveSnapshot(ctx, "r1", 2, counter.State{Value: 2}))
	require.NoError(t, conn.SaveSnapshot(ctx, "r1", 4, counter.State{Value: 44}))

	snap, err = conn.LoadLatest(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, eventsync.Ordinal(4), snap.LastEventID)
	assert.Equal(t, int64(44), snap.State.Value)
	assert.Len(t, hub.Snapshots("r1"), 3)
}

// Two replicas over one hub converge, including through a dropped delivery.
func TestHub_ReplicasConverge(t *testing.T) {
	hub := NewHub[counter.State, counter.Event]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	newReplica := func(clientID string) (*eventsync.Replica[counter.State, counter.Event], *Conn[counter.State, counter.Event]) {
		eng, err := engine.New(counter.Spec())
		require.NoError(t, err)
		conn := hub.Conn(clientID)
		r := eventsync.NewReplica(eng, conn, conn, eventsync.Options{SnapshotEvery: 2})
		t.Cleanup(func() { _ = r.Close() })
		require.NoError(t, r.Bind(ctx, "r1"))
		require.NoError(t, r.WaitHydrated(ctx))
		return r, conn
	}
	a, _ := newReplica("a")
	b, connB := newReplica("b")

	connB.DropNext(1)
	_, err := a.Dispatch(ctx, counter.Inc(5))
	require.NoError(t, err)
	_, err = a.Dispatch(ctx, counter.Event{Type: counter.TypeDec})
	require.NoError(t, err)
	_, err = b.Dispatch(ctx, counter.Inc(10))
	require.NoError(t, err)

	head := hub.Head("r1")
	require.NoError(t, a.WaitCursor(ctx, head))
	require.NoError(t, b.WaitCursor(ctx, head))
	assert.Equal(t, int64(14), a.State().Value)
	assert.Equal(t, a.State(), b.State())
}
