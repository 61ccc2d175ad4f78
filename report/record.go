package report

import "encoding/binary"

// Reason is the hardware's record-write reason, packed into the report-id
// word. More than one bit may be set (a timer expiry coinciding with a
// context switch).
type Reason uint32

const (
	// ReasonTimer marks a periodic sample.
	ReasonTimer Reason = 1 << iota
	// ReasonTrigger1 and ReasonTrigger2 mark software-armed trigger samples.
	ReasonTrigger1
	ReasonTrigger2
	// ReasonContextSwitch marks a measurement-window boundary record
	// written when the active hardware context changes.
	ReasonContextSwitch
	// ReasonGoTransition marks a counter-enable state change.
	ReasonGoTransition
	// ReasonClockRatio marks a clock-ratio change affecting counter scale.
	ReasonClockRatio
)

const (
	reasonShift = 19
	reasonMask  = 0x3f << reasonShift

	// ctxValidBit flags that the context-identity word holds a real
	// context identity rather than garbage.
	ctxValidBit = 1 << 25
)

// SquashedCtxID is the sentinel written over the context-identity word of
// records that belong to a foreign context on a filtered stream.
const SquashedCtxID uint32 = 0xffffffff

// ReportID returns the raw report-id word (word 0).
func ReportID(rec []byte) uint32 {
	return binary.LittleEndian.Uint32(rec)
}

// RecReason extracts the write reason from a record.
func RecReason(rec []byte) Reason {
	return Reason((ReportID(rec) & reasonMask) >> reasonShift)
}

// CtxValid reports whether the record's context-identity word is valid.
func CtxValid(rec []byte) bool {
	return ReportID(rec)&ctxValidBit != 0
}

// Timestamp returns the record timestamp. Narrow-header formats return the
// 32-bit value zero-extended.
func Timestamp(rec []byte, f Format) uint64 {
	if f.WideHeader {
		return binary.LittleEndian.Uint64(rec[4:])
	}
	return uint64(binary.LittleEndian.Uint32(rec[4:]))
}

// ContextID returns the embedded context identity word.
func ContextID(rec []byte, f Format) uint32 {
	return binary.LittleEndian.Uint32(rec[f.ContextOffset():])
}

// SetContextID overwrites the context-identity word in place.
func SetContextID(rec []byte, f Format, id uint32) {
	binary.LittleEndian.PutUint32(rec[f.ContextOffset():], id)
}

// Landed reports whether the record's data has fully landed in memory. The
// ring is zero-initialized and consumed records are re-zeroed, so a record
// whose report-id and timestamp are both zero has not been written yet. The
// hardware writes the sentinel words last, so a non-zero sentinel implies
// the payload preceding it landed too.
func Landed(rec []byte, f Format) bool {
	return ReportID(rec) != 0 || Timestamp(rec, f) != 0
}

// ZeroSentinels clears the record's leading sentinel fields after delivery
// so the landed test stays valid for the next wrap of the ring.
func ZeroSentinels(rec []byte, f Format) {
	for i := 0; i < f.SentinelBytes(); i++ {
		rec[i] = 0
	}
}

// EncodeHeader assembles a report-id word from its parts. Used by the
// simulated device and by tests; real hardware writes this word itself.
func EncodeHeader(rec []byte, reason Reason, ctxValid bool, seq uint32) {
	id := (uint32(reason) << reasonShift) & reasonMask
	id |= seq & 0xffff
	if ctxValid {
		id |= ctxValidBit
	}
	binary.LittleEndian.PutUint32(rec, id)
}

// EncodeTimestamp writes the record timestamp for the given format.
func EncodeTimestamp(rec []byte, f Format, ts uint64) {
	if f.WideHeader {
		binary.LittleEndian.PutUint64(rec[4:], ts)
		return
	}
	binary.LittleEndian.PutUint32(rec[4:], uint32(ts))
}
