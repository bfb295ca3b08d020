// Package harness runs multi-replica room scenarios for the counter game.
//
// Scenarios drive several in-process replicas sharing one memlog hub and
// check that they converge on the same state as a full replay of the log.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	room: ROOM
//	replicas:
//	  - id: alice
//	  - id: bob
//	    optimistic: true
//	  - id: carol
//	    deferred: true
//	steps:
//	  - action: join
//	    replica: alice
//	    name: Alice
//	  - action: game
//	    replica: bob
//	    event: { type: inc, by: 2 }
//	  - action: drop_next
//	    replica: bob
//	    count: 1
//	  - action: advance
//	    ms: 25000
//	  - action: settle
//	assertions:
//	  - type: counter
//	    value: 2
//	  - type: host
//	    id: alice
//	  - type: converged
//
// # Step Actions
//
//   - join, leave, heartbeat, ready, rename, transfer_host, kick, close:
//     room membership actions performed by replica
//   - game: dispatch a counter event
//   - drop_next: drop the next count live deliveries to replica
//   - advance: move the scenario clock forward by ms
//   - connect, disconnect: bind a deferred replica, or unbind one
//   - settle: wait until every bound replica has applied the whole log
//
// # Assertion Types
//
//   - counter: counter value on each replica
//   - host: host id on each replica ("" for none)
//   - closed: closed flag on each replica
//   - members: participant ids in join order on each replica
//   - head: number of events in the room log
//   - snapshots: minimum number of saved snapshots
//   - converged: every bound replica's state digest equals a full replay
//
// Assertions apply to every bound replica unless one is named.
//
// # Deterministic Testing
//
// Event ids come from per-replica testutil.SequentialIDs and timestamps
// from a testutil.ManualClock, and the trace records replica views only
// after settling. The same scenario therefore produces a byte-identical
// trace on every run, which golden files pin down.
package harness
