// Package engine implements the deterministic reducer engine that owns a
// room replica's state.
//
// ARCHITECTURE:
//
// A Spec pairs an initial state with a pure transition function and an
// optional validator. The Engine holds exactly one current state value and
// replaces it only through Dispatch (reduce + validate) or ReplaceState
// (validate an externally supplied value, e.g. a snapshot restore).
//
// Commit Rule:
// A candidate state is committed only after the validator accepts it. When
// validation fails the candidate is discarded, the previous state remains
// current, and the error is returned to the caller. No observer ever sees an
// invalid state.
//
// Notification:
// Observers are invoked synchronously after each commit, in subscription
// order. Subscribe delivers the current state immediately. A panicking
// observer is recovered and logged; remaining observers are still notified.
//
// Single Writer:
// The engine expects one logical writer per replica (the sync protocol in
// internal/eventsync). Reads via State are safe from any goroutine.
package engine
