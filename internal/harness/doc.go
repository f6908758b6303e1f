// Package harness runs conformance scenarios against simulated vehicle
// channels.
//
// A scenario seeds and scripts the simulated drivers, runs a flow of
// precondition resolutions, single steps and consistency checks, and
// asserts on the evidence trace and the final channel state.
//
// # Scenario Format
//
//	name: door_lock_inconsistent
//	description: "Backend reports LOCKED while the bus reports UNLOCKED"
//	catalog: ../catalog/vehicle.yaml
//	policies:
//	  doorLockState: {categorical: true, max_staleness: 1s}
//	setup:
//	  seed:
//	    - {capability: backend, target: doorLockState, value: LOCKED, age: 100ms}
//	  script:
//	    - capability: backend
//	      target: remoteUnlock
//	      behaviors: [{mode: never_ack}, {mode: ack}]
//	  link:
//	    - {capability: backend, target: doorLockState, to: service}
//	flow:
//	  - resolve: Driving
//	    set: {gear: R}
//	  - step: {capability: backend, action: dispatch, target: remoteUnlock, timeout: 50ms, retries: 1}
//	    expect: {outcome: TIMEOUT, state: timed_out, attempts: 2}
//	  - advance: 3s
//	  - check: doorLockState
//	    expect: {outcome: INCONSISTENT_STATE}
//	assertions:
//	  - {type: trace_count, kind: retry, count: 1}
//	  - {type: trace_order, capability: backend, calls: [dispatch remoteUnlock, query doorLockState]}
//	  - {type: final_state, capability: service, target: doorLockState, value: UNLOCKED}
//
// # Assertion Types
//
//   - trace_contains: an evidence event matches kind, and optionally target and to
//   - trace_order: driver calls on one capability appear in the given order
//   - trace_count: matching evidence events occur exactly count times
//   - final_state: a driver's reading of a target equals value
//
// # Deterministic Testing
//
// Every run gets a fixed clock starting at testutil.Epoch, sequential
// correlation ids and fresh simulated drivers. The clock only moves on
// advance entries, so sample ages are exact. The flow trace leaves out
// correlation ids and times and is the basis of golden comparison.
package harness
