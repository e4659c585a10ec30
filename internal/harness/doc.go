// Package harness runs monitor scenarios as deterministic conformance tests.
//
// A scenario drives a fresh state store, issue registry, contract engine
// and in-memory ledger through a list of steps against a manual clock,
// then checks assertions on the resulting issues, violations and state.
//
// # Scenario Format
//
//	name: chip_conservation
//	description: "A balance change that breaks conservation is caught"
//	start: 2026-01-01T12:00:00Z
//	steps:
//	  - update: { path: tables.t1.totalChips, value: 1000 }
//	  - advance: 5s
//	  - log: { level: error, source: table, message: "pot mismatch" }
//	  - check: contracts
//	  - outcome: { issue: LOG_POOL_MISMATCH, confirmed: true }
//	assertions:
//	  - type: issue
//	    issue: CONTRACT_VIOLATION_CHIP_CONSERVATION
//	    expect: { severity: critical, count: 1 }
//	  - type: violation_count
//	    contract: CHIP_CONSERVATION
//	    count: 1
//
// # Step Kinds
//
//   - update / append: write into the state store
//   - advance: move the manual clock forward (Go duration syntax)
//   - log: feed one log event to the log analyzer
//   - check: run one pass of contracts, verify or anomalies
//   - outcome: record a confirmed or false-positive verdict for an issue type
//
// # Assertion Types
//
//   - issue: an issue of the given type exists; expect is a subset match
//     on its digest (type, severity, method, category, count, rootCause)
//   - no_issue: no issue of the given type exists
//   - violation_count: the contract engine buffered exactly count
//     violations for contract
//   - state: the value at path equals value
//   - stats: subset match on the registry's detection statistics
//
// Every scenario runs with a manual clock and sequential ids so the trace
// is byte-identical between runs and can be compared to a golden file.
package harness
