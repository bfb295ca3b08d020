package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomsync/internal/counter"
	"github.com/roach88/roomsync/internal/participants"
	"github.com/roach88/roomsync/internal/room"
	"github.com/roach88/roomsync/internal/store"
)

// seedRoom appends a join followed by increments of 1..incs to code.
func seedRoom(t *testing.T, st *store.Store, code string, incs int) {
	t.Helper()
	ctx := context.Background()
	events := []counterEvent{
		room.ParticipantsEvent[counter.Event](participants.RoomOpen{RoomCode: code, At: 1}),
		room.ParticipantsEvent[counter.Event](participants.Join{ID: "alice", Name: "Alice", At: 1}),
	}
	for i := 1; i <= incs; i++ {
		events = append(events, room.GameEvent(counter.Inc(int64(i))))
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		head, err := st.Head(ctx, code)
		require.NoError(t, err)
		_, _, err = st.AppendEvent(ctx, code, "alice", fmt.Sprintf("%s-%d", code, head+1), data)
		require.NoError(t, err)
	}
}

func newTestDB(t *testing.T) (string, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "roomsync.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return dbPath, st
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestReplayMissingDatabaseFlag(t *testing.T) {
	_, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestReplayDatabaseNotFound(t *testing.T) {
	_, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}),
		"--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestReplayEmptyDatabase(t *testing.T) {
	dbPath, _ := newTestDB(t)

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No rooms found")
}

func TestReplayWithoutSnapshot(t *testing.T) {
	dbPath, st := newTestDB(t)
	seedRoom(t, st, "ABCD", 3)

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Room: ABCD")
	assert.Contains(t, out, "Events: 5 applied, 0 rejected, cursor 5")
	assert.Contains(t, out, "counter=6")
	assert.Contains(t, out, "Snapshot: none")
}

func TestReplaySnapshotMatchesFullReplay(t *testing.T) {
	dbPath, st := newTestDB(t)
	seedRoom(t, st, "ABCD", 2)

	_, err := execute(t, NewCompactCommand(&RootOptions{Format: "text"}), "--db", dbPath, "--room", "ABCD")
	require.NoError(t, err)
	seedRoom(t, st, "ABCD", 1)

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "json"}), "--db", dbPath, "--room", "ABCD")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Rooms, 1)
	r := resp.Data.Rooms[0]
	assert.True(t, r.Consistent)
	require.NotNil(t, r.SnapshotCursor)
	assert.EqualValues(t, 4, *r.SnapshotCursor)
	assert.EqualValues(t, 7, r.Cursor)
	assert.Equal(t, r.Digest, r.SnapshotDigest)
	assert.EqualValues(t, 4, r.State.Game.Value)
}

func TestReplayDivergedSnapshot(t *testing.T) {
	dbPath, st := newTestDB(t)
	seedRoom(t, st, "ABCD", 2)

	ctx := context.Background()
	wrong := room.State[counter.State]{
		Participants: participants.InitialState(),
		Game:         counter.State{Value: 99},
	}
	require.NoError(t, store.NewSnapshots[counterState](st).SaveSnapshot(ctx, "ABCD", 4, wrong))

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Room: ABCD")
	assert.Contains(t, out, "diverged")

	out, err = execute(t, NewReplayCommand(&RootOptions{Format: "json"}), "--db", dbPath)
	require.Error(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeDiverged, resp.Error.Code)
}

func TestCompactWritesSnapshotAtHead(t *testing.T) {
	dbPath, st := newTestDB(t)
	seedRoom(t, st, "ABCD", 3)
	seedRoom(t, st, "WXYZ", 1)

	out, err := execute(t, NewCompactCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ ABCD: snapshot at 5")
	assert.Contains(t, out, "✓ WXYZ: snapshot at 3")

	snap, err := store.NewSnapshots[counterState](st).LoadLatest(context.Background(), "ABCD")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.EqualValues(t, 5, snap.LastEventID)
	assert.EqualValues(t, 6, snap.State.Game.Value)
	assert.Equal(t, "alice", snap.State.Participants.HostID)

	out, err = execute(t, NewCompactCommand(&RootOptions{Format: "text"}), "--db", dbPath, "--room", "ABCD")
	require.NoError(t, err)
	assert.Contains(t, out, "- ABCD: snapshot at 5 is current")
}

func TestCompactResumesFromSnapshot(t *testing.T) {
	dbPath, st := newTestDB(t)
	seedRoom(t, st, "ABCD", 1)
	_, err := execute(t, NewCompactCommand(&RootOptions{Format: "text"}), "--db", dbPath)
	require.NoError(t, err)
	seedRoom(t, st, "ABCD", 2)

	out, err := execute(t, NewCompactCommand(&RootOptions{Format: "json"}), "--db", dbPath)
	require.NoError(t, err)

	var resp struct {
		Data []CompactRoomResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, CompactRoomResult{Room: "ABCD", From: 3, LastEventID: 7, Applied: 4, Saved: true}, resp.Data[0])
}
