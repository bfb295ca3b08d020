package eventsync

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/roomsync/internal/engine"
)

// DefaultPageLimit is the catch-up page size.
const DefaultPageLimit = 500

// MaxPageLimit is the largest page a log serves. A larger request is
// truncated by the server and would read as a short page.
const MaxPageLimit = 1000

// outcome classifies what happened to an envelope offered to a tracker.
type outcome int

const (
	outcomeApplied outcome = iota + 1
	// outcomeDuplicate: event id already seen.
	outcomeDuplicate
	// outcomeStale: ordinal at or below the cursor.
	outcomeStale
	// outcomeRejected: the engine refused the event, or its payload could
	// not be decoded; the cursor still moves past it so every replica skips
	// it the same way.
	outcomeRejected
)

// tracker owns the cursor and recency set for one engine and applies
// envelopes to it in ordinal order. Not safe for concurrent use.
type tracker[S, E any] struct {
	engine *engine.Engine[S, E]
	cursor Ordinal
	seen   *recencySet
}

func newTracker[S, E any](eng *engine.Engine[S, E], cursor Ordinal, capacity int) *tracker[S, E] {
	return &tracker[S, E]{
		engine: eng,
		cursor: cursor,
		seen:   newRecencySet(capacity),
	}
}

func (t *tracker[S, E]) apply(env Envelope[E]) (outcome, error) {
	if t.seen.Has(env.EventID) {
		// Already applied locally (optimistic publish); only the cursor moves.
		if env.ID > t.cursor {
			t.cursor = env.ID
		}
		return outcomeDuplicate, nil
	}
	if env.ID <= t.cursor {
		t.seen.Add(env.EventID)
		return outcomeStale, nil
	}
	if env.DecodeErr != nil {
		t.cursor = env.ID
		t.seen.Add(env.EventID)
		return outcomeRejected, env.DecodeErr
	}
	err := t.engine.Dispatch(env.Event)
	t.cursor = env.ID
	t.seen.Add(env.EventID)
	if err != nil {
		return outcomeRejected, err
	}
	return outcomeApplied, nil
}

// sortEnvelopes orders a page by ascending ordinal.
func sortEnvelopes[E any](page []Envelope[E]) {
	slices.SortStableFunc(page, func(a, b Envelope[E]) int {
		return cmp.Compare(a.ID, b.ID)
	})
}

// drainPages pages the log from cursor() until a short page. apply is
// called for each envelope in ascending order and returns false to stop.
func drainPages[E any](
	ctx context.Context,
	pager Pager[E],
	room string,
	limit int,
	cursor func() Ordinal,
	apply func(Envelope[E]) bool,
) error {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	limit = min(limit, MaxPageLimit)
	for {
		after := cursor()
		page, err := pager.LoadAfter(ctx, room, after, limit)
		if err != nil {
			return fmt.Errorf("load after %s: %w", after, err)
		}
		sortEnvelopes(page)
		for _, env := range page {
			if !apply(env) {
				return nil
			}
		}
		if len(page) < limit {
			return nil
		}
		// A pager that ignores the cursor would otherwise loop forever.
		if cursor() <= after {
			return nil
		}
	}
}
