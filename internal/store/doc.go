// Package store provides the SQLite-backed issue ledger and fix knowledge
// base.
//
// The ledger holds:
//   - Issues: one row per fingerprint, upserted on every detection
//   - Violations: one row per failed contract evaluation (idempotent on id)
//   - Fixes: per (issue type, fix id) attempt and success counters
//
// The ledger outlives the in-memory registry: it is what `vigil inspect`
// and `vigil query --ledger` read, and the registry's fix suggestions come
// from it.
//
// # Deterministic Query Results
//
// Every list query ends with ORDER BY ..., id ASC COLLATE BINARY so that
// identical data always reads back in identical order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Times are stored as Unix milliseconds. Detail and payload objects are
// stored as canonical JSON so equal content is byte-identical.
package store
