// Package state implements the runtime state store: a path-addressed JSON
// tree with a bounded change log, subscriptions, and crash-safe persistence.
//
// The Store is the only legal mutator of runtime state. Every other
// component receives a *Store handle and either reads snapshots or
// subscribes to changes; there is no package-level singleton.
//
// Paths are dot-delimited ("tables.t1.players.p1.balance"). Numeric
// segments index into lists. The empty path addresses the whole tree.
//
// Persistence writes one JSON document:
//
//	{"version": 1, "timestamp": ..., "state": {...}, "eventLog": [...]}
//
// Map-kind subtrees (see schema.go) are written as ordered [key, value]
// pair lists. On a corrupt document Load salvages learned patterns,
// knowledge, issues and violations into a sibling *.recovered.<ms> file,
// keeps the original as *.corrupted.<ms>, and falls back to the backup or
// the default shape.
package state
