// Package canon provides RFC 8785 canonical JSON and domain-separated hashing.
//
// Canonical bytes are the single source of truth for every content-derived
// identity in querygate: approval request IDs, redaction fingerprints, cursor
// checksums and the default replay comparator all hash or compare the output
// of MarshalCanonical, never the output of encoding/json.
//
// Differences from encoding/json:
//   - Object keys are sorted by UTF-16 code units
//   - No HTML escaping (< > & are emitted literally)
//   - Strings are NFC normalized
//   - Numbers use the ECMAScript shortest round-trip form
//
// Values that are not plain JSON shapes (structs, typed slices, time.Time) are
// first rendered through encoding/json and then canonicalized.
package canon
