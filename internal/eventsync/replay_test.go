package eventsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplay_SnapshotPlusTailEqualsFullReplay(t *testing.T) {
	log := newFakeLog(
		env("r1", 2, "b"), env("r1", 1, "a"), env("r1", 3, "bad"),
		env("r1", 4, "d"), env("r1", 5, "e"),
	)
	ctx := testContext(t)

	full, err := Replay(ctx, seqSpec(), log, "r1", nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d", "e"}, full.State.Items)
	assert.Equal(t, Ordinal(5), full.Cursor)
	assert.Equal(t, 4, full.Applied)
	assert.Equal(t, 1, full.Rejected)

	snap := &Snapshot[seqState]{RoomCode: "r1", LastEventID: 3, State: seqState{Items: []string{"a", "b"}}}
	tail, err := Replay(ctx, seqSpec(), log, "r1", snap, 2)
	require.NoError(t, err)
	assert.Equal(t, full.State, tail.State)
	assert.Equal(t, full.Cursor, tail.Cursor)
	assert.Equal(t, 2, tail.Applied)
}

func TestReplay_InvalidSnapshotFails(t *testing.T) {
	snap := &Snapshot[seqState]{RoomCode: "r1", State: seqState{Items: []string{"bad"}}}
	_, err := Replay(testContext(t), seqSpec(), newFakeLog(), "r1", snap, 0)
	require.Error(t, err)
}

func TestReplay_LoadErrorPropagates(t *testing.T) {
	log := newFakeLog()
	log.loadErr = errUnavailable
	_, err := Replay(testContext(t), seqSpec(), log, "r1", nil, 0)
	require.ErrorIs(t, err, errUnavailable)
}

func TestReplay_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Replay(ctx, seqSpec(), newFakeLog(env("r1", 1, "a")), "r1", nil, 0)
	require.ErrorIs(t, err, context.Canceled)
}
