package report

import (
	"github.com/c360/counterstream/errors"
)

// FormatID identifies one hardware record layout.
type FormatID uint32

// Known format IDs. The numbering is sparse because it mirrors the
// hardware's format-select field, which skipped values across generations.
const (
	FormatC4B8     FormatID = 1
	FormatA12      FormatID = 2
	FormatA12B8C8  FormatID = 3
	FormatA32B8C8  FormatID = 5
	FormatA24B8C8X FormatID = 6
)

// Format describes one hardware record layout. Immutable; obtain from
// Lookup.
type Format struct {
	ID   FormatID
	Name string

	// Size is the record size in bytes. Always a multiple of the
	// hardware's minimum write granularity.
	Size int

	// WideHeader selects the 64-bit timestamp header layout. Narrow
	// headers carry a 32-bit timestamp in word 1 and the context identity
	// in word 2; wide headers carry the timestamp in words 1-2 and the
	// context identity in word 3.
	WideHeader bool

	// Packed counter group sizes.
	ACount int // aggregating counters
	BCount int // boolean counters
	CCount int // custom counters
}

// formats is the static layout table. Indexed by FormatID.
var formats = map[FormatID]Format{
	FormatC4B8:     {ID: FormatC4B8, Name: "C4_B8", Size: 64, ACount: 0, BCount: 8, CCount: 4},
	FormatA12:      {ID: FormatA12, Name: "A12", Size: 64, ACount: 12},
	FormatA12B8C8:  {ID: FormatA12B8C8, Name: "A12_B8_C8", Size: 128, ACount: 12, BCount: 8, CCount: 8},
	FormatA32B8C8:  {ID: FormatA32B8C8, Name: "A32_B8_C8", Size: 256, ACount: 32, BCount: 8, CCount: 8},
	FormatA24B8C8X: {ID: FormatA24B8C8X, Name: "A24_B8_C8_X", Size: 256, WideHeader: true, ACount: 24, BCount: 8, CCount: 8},
}

// Lookup returns the format for id, or ErrInvalidFormat for unknown IDs.
func Lookup(id FormatID) (Format, error) {
	f, ok := formats[id]
	if !ok {
		return Format{}, errors.ErrInvalidFormat
	}
	return f, nil
}

// MustLookup returns the format for id and panics on unknown IDs. For use
// with the static generation tables where the ID set is closed.
func MustLookup(id FormatID) Format {
	f, err := Lookup(id)
	if err != nil {
		panic("report: unknown format ID")
	}
	return f
}

// SentinelBytes returns the number of leading bytes occupied by the
// sentinel fields (report-id plus timestamp) for this format. These are the
// bytes re-zeroed after delivery.
func (f Format) SentinelBytes() int {
	if f.WideHeader {
		return 12
	}
	return 8
}

// ContextOffset returns the byte offset of the embedded context-identity
// word.
func (f Format) ContextOffset() int {
	if f.WideHeader {
		return 12
	}
	return 8
}
