// Package eventsync keeps a replica's engine in step with a shared,
// append-only per-room event log.
//
// A Replica binds to one room at a time. On bind it restores the latest
// snapshot (when a SnapshotStore is configured), catches up by paging the
// log from its cursor, and then applies live envelopes as they arrive.
// Envelopes are applied in strictly increasing Ordinal order; duplicates
// are filtered by event id and by cursor, and a live envelope that skips
// ahead of the cursor triggers a catch-up fetch before it is applied.
//
// Locally dispatched events are published to the log with a fresh
// idempotency token. By default they are not applied locally until they
// come back through the log; Options.Optimistic applies them immediately.
//
// All engine mutations for a bound room happen on the room's session
// goroutine, except optimistic and offline dispatches which share the same
// apply lock.
package eventsync
