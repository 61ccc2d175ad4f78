// Package report defines the hardware counter record layouts and the
// context-identity filter applied to records before delivery.
//
// A record ("report") is a fixed-size block of little-endian 32-bit words
// written by the accelerator. The leading words are sentinel fields: a
// report-id word carrying the write reason and a context-valid flag, and a
// timestamp (32-bit in narrow-header formats, 64-bit in wide-header
// formats). The sentinel fields double as the landed/not-landed test used by
// the ring reader: the ring is zero-initialized and consumed records are
// re-zeroed, so an all-zero sentinel pair unambiguously means "not yet
// written".
//
// Formats are immutable and looked up by ID from a static table; the set of
// valid IDs depends on the hardware generation.
package report
