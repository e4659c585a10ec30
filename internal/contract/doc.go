// Package contract evaluates declarative invariants over state snapshots.
//
// A Contract pairs a stable id and severity with a pure Verifier. The
// Engine evaluates every contract on a fixed cadence whether or not state
// changed. A panicking verifier is contained: it is logged and counted and
// the remaining contracts still run.
//
// Each reported violation becomes a Violation record that is
//   - appended to a bounded rolling buffer
//   - forwarded to the issue registry as CONTRACT_VIOLATION_<ID>
//   - written to the ledger and mirrored into issues.violations
//   - announced to OnViolation listeners
//
// Built-in contracts come from Builtin, one per Kind.
package contract
