package eventsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/roomsync/internal/engine"
)

// ReplayResult is the outcome of folding a room log into a state.
type ReplayResult[S any] struct {
	State    S
	Cursor   Ordinal
	Applied  int
	Rejected int
}

// Replay folds the room log into a fresh engine built from spec, starting
// from the given snapshot (or the initial state when from is nil), and
// returns the final state. Envelopes are filtered exactly as a live
// replica filters them.
func Replay[S, E any](
	ctx context.Context,
	spec engine.Spec[S, E],
	pager Pager[E],
	room string,
	from *Snapshot[S],
	pageLimit int,
) (ReplayResult[S], error) {
	var (
		eng    *engine.Engine[S, E]
		cursor Ordinal
		err    error
	)
	if from != nil {
		eng, err = engine.NewWithState(spec, from.State)
		cursor = from.LastEventID
	} else {
		eng, err = engine.New(spec)
	}
	if err != nil {
		return ReplayResult[S]{}, fmt.Errorf("replay %s: %w", room, err)
	}

	t := newTracker(eng, cursor, DefaultDedupeCapacity)
	var res ReplayResult[S]
	err = drainPages(ctx, pager, room, pageLimit,
		func() Ordinal { return t.cursor },
		func(env Envelope[E]) bool {
			switch out, aerr := t.apply(env); out {
			case outcomeApplied:
				res.Applied++
			case outcomeRejected:
				res.Rejected++
				slog.Debug("replay skipped rejected event", "room", room, "id", env.ID, "error", aerr)
			}
			return ctx.Err() == nil
		})
	if err != nil {
		return ReplayResult[S]{}, fmt.Errorf("replay %s: %w", room, err)
	}
	if err := ctx.Err(); err != nil {
		return ReplayResult[S]{}, fmt.Errorf("replay %s: %w", room, err)
	}
	res.State = eng.State()
	res.Cursor = t.cursor
	return res, nil
}
