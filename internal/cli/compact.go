package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/roach88/roomsync/internal/store"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	Database  string
	Room      string
	PageLimit int
}

// CompactRoomResult describes one room's compaction.
type CompactRoomResult struct {
	Room string `json:"room"`
	// From is the cursor of the snapshot replay started from, zero if none.
	From        eventsync.Ordinal `json:"from"`
	LastEventID eventsync.Ordinal `json:"last_event_id"`
	Applied     int               `json:"applied"`
	Saved       bool              `json:"saved"`
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Write snapshots for room logs",
		Long: `Fold each room's log into a snapshot at its current head.

Replay starts from the latest existing snapshot, so only the tail of the
log is read. Rooms whose latest snapshot is already at the head are left
unchanged.

Examples:
  roomsync compact --db ./roomsync.db
  roomsync compact --db ./roomsync.db --room ABCD`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Room, "room", "", "compact a specific room only")
	cmd.Flags().IntVar(&opts.PageLimit, "page-limit", store.MaxPageLimit, "events per page")

	return cmd
}

func runCompact(ctx context.Context, opts *CompactOptions, cmd *cobra.Command) error {
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

	results := make([]CompactRoomResult, 0, len(rooms))
	for _, code := range rooms {
		res, err := compactRoom(ctx, st, code, opts.PageLimit)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to compact room %s", code), err)
		}
		results = append(results, res)
	}

	if out.JSON() {
		return out.Respond(CLIResponse{Status: "ok", Data: results})
	}
	w := out.Writer
	if len(results) == 0 {
		fmt.Fprintln(w, "No rooms found in database.")
		return nil
	}
	for _, r := range results {
		if r.Saved {
			fmt.Fprintf(w, "✓ %s: snapshot at %s (%d events since %s)\n", r.Room, r.LastEventID, r.Applied, r.From)
		} else {
			fmt.Fprintf(w, "- %s: snapshot at %s is current\n", r.Room, r.LastEventID)
		}
	}
	return nil
}

// compactRoom replays a room from its latest snapshot and saves a new
// snapshot when the log has advanced past it.
func compactRoom(ctx context.Context, st *store.Store, code string, pageLimit int) (CompactRoomResult, error) {
	snaps := store.NewSnapshots[counterState](st)
	from, err := snaps.LoadLatest(ctx, code)
	if err != nil {
		return CompactRoomResult{}, fmt.Errorf("load snapshot: %w", err)
	}

	res := CompactRoomResult{Room: code}
	if from != nil {
		res.From = from.LastEventID
	}

	replayed, err := eventsync.Replay(ctx, counterSpec(), store.NewPager(st, decodeCounterEvent), code, from, pageLimit)
	if err != nil {
		return CompactRoomResult{}, err
	}
	res.LastEventID = replayed.Cursor
	res.Applied = replayed.Applied

	if from != nil && replayed.Cursor <= from.LastEventID {
		return res, nil
	}
	if replayed.Cursor == 0 {
		return res, nil
	}
	if err := snaps.SaveSnapshot(ctx, code, replayed.Cursor, replayed.State); err != nil {
		return CompactRoomResult{}, fmt.Errorf("save snapshot: %w", err)
	}
	res.Saved = true
	return res, nil
}
