// Package canon produces canonical JSON and content-addressed identities.
//
// Identity keys (issue fingerprints, document checksums) must be stable across
// restarts, map iteration order and Unicode normalization form. Everything that
// is hashed goes through MarshalCanonical first:
//   - object keys sorted by UTF-16 code units (RFC 8785)
//   - strings NFC normalized, no HTML escaping
//   - integral floats rendered without a fraction ("500", not "500.0")
//
// canon imports nothing internal; state, detect and store all build on it.
package canon
