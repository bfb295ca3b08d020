package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/roomsync/internal/canonical"
	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/roach88/roomsync/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database  string
	Room      string // optional - specific room only
	PageLimit int
}

// ReplayRoomResult holds the replay result for a single room.
type ReplayRoomResult struct {
	Room           string             `json:"room"`
	Cursor         eventsync.Ordinal  `json:"cursor"`
	Applied        int                `json:"applied"`
	Rejected       int                `json:"rejected"`
	Digest         string             `json:"digest"`
	SnapshotCursor *eventsync.Ordinal `json:"snapshot_cursor,omitempty"`
	SnapshotDigest string             `json:"snapshot_digest,omitempty"`
	Consistent     bool               `json:"consistent"`
	State          counterState       `json:"state"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Rooms         []ReplayRoomResult `json:"rooms"`
	TotalRooms    int                `json:"total_rooms"`
	AllConsistent bool               `json:"all_consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay room logs and verify snapshots",
		Long: `Replay each room's event log from the beginning and compare the result
with restoring the room's latest snapshot and replaying only the events
after it. Both paths must produce the same state digest.

Exit codes:
  0 - Every room is consistent
  1 - A snapshot diverged from the full replay
  2 - Command error (database not found, etc.)

Examples:
  roomsync replay --db ./roomsync.db
  roomsync replay --db ./roomsync.db --room ABCD
  roomsync replay --db ./roomsync.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Room, "room", "", "replay a specific room only")
	cmd.Flags().IntVar(&opts.PageLimit, "page-limit", store.MaxPageLimit, "events per page")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	st, err := openExistingStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	rooms, err := selectRooms(ctx, st, opts.Room)
	if err != nil {
		return err
	}

	result := ReplayResult{
		Rooms:         make([]ReplayRoomResult, 0, len(rooms)),
		TotalRooms:    len(rooms),
		AllConsistent: true,
	}
	for _, code := range rooms {
		out.VerboseLog("replaying room %s", code)
		roomResult, err := replayAndVerifyRoom(ctx, st, code, opts.PageLimit)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay room %s", code), err)
		}
		result.Rooms = append(result.Rooms, roomResult)
		if !roomResult.Consistent {
			result.AllConsistent = false
		}
	}

	if out.JSON() {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.AllConsistent {
			resp.Status = "error"
			resp.Error = &CLIError{Code: CodeDiverged, Message: "snapshot replay diverged from full replay"}
		}
		if err := out.Respond(resp); err != nil {
			return err
		}
	} else {
		outputReplayText(out, result)
	}

	if !result.AllConsistent {
		return NewExitError(ExitFailure, "snapshot replay diverged from full replay")
	}
	return nil
}

// replayAndVerifyRoom replays a room from "0" and from its latest snapshot.
func replayAndVerifyRoom(ctx context.Context, st *store.Store, code string, pageLimit int) (ReplayRoomResult, error) {
	pager := store.NewPager(st, decodeCounterEvent)
	spec := counterSpec()

	full, err := eventsync.Replay(ctx, spec, pager, code, nil, pageLimit)
	if err != nil {
		return ReplayRoomResult{}, fmt.Errorf("full replay: %w", err)
	}
	digest, err := canonical.StateDigest(full.State)
	if err != nil {
		return ReplayRoomResult{}, err
	}
	res := ReplayRoomResult{
		Room:       code,
		Cursor:     full.Cursor,
		Applied:    full.Applied,
		Rejected:   full.Rejected,
		Digest:     digest,
		Consistent: true,
		State:      full.State,
	}

	snap, err := store.NewSnapshots[counterState](st).LoadLatest(ctx, code)
	if err != nil {
		return ReplayRoomResult{}, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return res, nil
	}

	tail, err := eventsync.Replay(ctx, spec, pager, code, snap, pageLimit)
	if err != nil {
		// An invalid snapshot state cannot be restored.
		res.SnapshotCursor = &snap.LastEventID
		res.Consistent = false
		return res, nil
	}
	res.SnapshotCursor = &snap.LastEventID
	res.SnapshotDigest, err = canonical.StateDigest(tail.State)
	if err != nil {
		return ReplayRoomResult{}, err
	}
	res.Consistent = res.SnapshotDigest == res.Digest && tail.Cursor == full.Cursor
	return res, nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(out *OutputFormatter, result ReplayResult) {
	w := out.Writer

	if result.TotalRooms == 0 {
		fmt.Fprintln(w, "No rooms found in database.")
		return
	}

	fmt.Fprintf(w, "Replay Summary: %d room(s)\n", result.TotalRooms)
	fmt.Fprintln(w)

	for _, r := range result.Rooms {
		status := "✓"
		if !r.Consistent {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Room: %s\n", status, r.Room)
		fmt.Fprintf(w, "  Events: %d applied, %d rejected, cursor %s\n", r.Applied, r.Rejected, r.Cursor)
		fmt.Fprintf(w, "  State: %s\n", describeState(r.State))
		if out.Verbose {
			fmt.Fprintf(w, "  Digest: %s\n", r.Digest)
		}
		switch {
		case r.SnapshotCursor == nil:
			fmt.Fprintln(w, "  Snapshot: none")
		case r.Consistent:
			fmt.Fprintf(w, "  Snapshot: cursor %s matches\n", *r.SnapshotCursor)
		default:
			fmt.Fprintf(w, "  Snapshot: cursor %s diverged (digest %s)\n", *r.SnapshotCursor, r.SnapshotDigest)
		}
		fmt.Fprintln(w)
	}

	if result.AllConsistent {
		fmt.Fprintln(w, "✓ All rooms consistent with their snapshots")
		return
	}
	fmt.Fprintln(w, "✗ Snapshot verification failed")
}

// openExistingStore opens the database at path, refusing to create one.
func openExistingStore(path string) (*store.Store, error) {
	if !fileExists(path) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// selectRooms returns room, or every room in the store when room is empty.
func selectRooms(ctx context.Context, st *store.Store, room string) ([]string, error) {
	if room != "" {
		return []string{room}, nil
	}
	summaries, err := st.Rooms(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to list rooms", err)
	}
	codes := make([]string, 0, len(summaries))
	for _, s := range summaries {
		codes = append(codes, s.RoomCode)
	}
	return codes, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
