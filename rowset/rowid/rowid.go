// Package rowid defines the dense, rowset-local row ordinal of spec.md §3
// ("Row id"), split out from package rowset so that rowset/delta can share
// the type without an import cycle back to rowset itself.
package rowid

// ID is a dense, 32-bit, rowset-local ordinal: the position of a live or
// deleted row within one DiskRowSet's base data. Not stable across
// compactions.
type ID uint32
