// Package store provides SQLite-backed durable storage for room event logs.
//
// The store implements an append-only log with:
//   - room_events: ordered envelopes per room, ordinal assigned on insert
//   - room_snapshots: append-only state checkpoints
//   - room_event_rate: fixed one-second publish windows per client and room
//
// # Critical Patterns
//
// Per-room ordinals
//   - id is assigned as MAX(id)+1 within the room inside the insert
//     transaction; ordinals are contiguous per room
//
// Idempotent append
//   - UNIQUE(room_code, event_id); a duplicate insert returns the existing
//     envelope with deduped=true
//
// Deterministic reads
//   - LoadAfter orders by id ASC; snapshots by last_event_id DESC, seq DESC
//
// Canonical payloads
//   - events and snapshot states are stored as RFC 8785 canonical JSON so
//     that replays and digests are byte-stable
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
