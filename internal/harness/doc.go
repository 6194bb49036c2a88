// Package harness runs timeline scenarios against the real batch engine.
//
// A scenario is a YAML file describing a sequence of user actions and clock
// movements, plus assertions on the resulting doses and batch record. Each
// scenario runs in a fresh in-memory store with a fake clock, so the trace
// it produces is byte-for-byte reproducible and can be compared against a
// golden file.
//
// # Scenario Format
//
//	name: burst_then_finalize
//	description: "Three clicks in a burst become one dose"
//	window: 5s
//	units_per_click: 0.5
//	steps:
//	  - click
//	  - advance: 1s
//	  - click: 2
//	  - advance: 10s
//	assertions:
//	  - type: dose_count
//	    count: 1
//	  - type: dose
//	    index: 0
//	    clicks: 3
//	    total_units: 1.5
//	  - type: final_state
//	    clicks: 0
//
// # Steps
//
//   - click, click: N: register one or N clicks
//   - undo, undo: N: remove one or N clicks
//   - reset: discard the open batch
//   - advance: DURATION: move the clock, firing each wake-up when it falls due
//   - tick: fire every wake-up already due, without moving the clock
//   - evaluate: run an evaluation without a wake-up
//   - restart: replace the coordinator with a fresh one over the same store
//
// # Assertion Types
//
//   - dose_count: number of finalized doses
//   - dose: clicks, total units or finalization offset of the Nth dose,
//     oldest first
//   - final_state: clicks and total units of the batch record
//
// # Determinism
//
// The clock starts at Epoch, dose IDs are "dose-1", "dose-2" and so on, and
// the command sequence continues across restarts.
package harness
