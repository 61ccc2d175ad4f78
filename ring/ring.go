package ring

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/report"
)

// gapLogInterval throttles the unlanded-gap diagnostic. The compensation
// already yields a correct answer when the gap is large, so this is
// observability, not an error path.
const gapLogInterval = 5 * time.Second

// Buffer is the software view of one group's ring. All offsets are byte
// offsets into data, reduced modulo the (power-of-two) size.
type Buffer struct {
	data   []byte
	size   uint32
	format report.Format
	gran   uint32

	logger *slog.Logger
	gapLog *rate.Limiter
	onGap  func(gapBytes uint32)

	// mu is the pointer lock: it covers head/tail arithmetic only, never
	// the data copy.
	mu   sync.Mutex
	head uint32 // next undelivered byte, always record-aligned
	tail uint32 // accepted tail, always record-aligned
}

// New allocates a ring of size bytes. size must be a power of two and a
// multiple of the record size; the caller validates platform bounds.
// granularity is the hardware's tail write granularity, used to align raw
// tail values before the race compensation. onGap, when non-nil, is
// invoked for every tail check that finds more than one record of
// unlanded data; it runs under the pointer lock and must not block.
func New(size uint32, format report.Format, granularity uint32, logger *slog.Logger, onGap func(gapBytes uint32)) (*Buffer, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, errors.ErrInvalidBufferSize
	}
	if size%uint32(format.Size) != 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("size %d not a multiple of record size %d", size, format.Size),
			"ring", "New", "size validation")
	}
	if granularity == 0 || granularity&(granularity-1) != 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("tail granularity %d not a power of two", granularity),
			"ring", "New", "granularity validation")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		data:   make([]byte, size),
		size:   size,
		format: format,
		gran:   granularity,
		logger: logger,
		gapLog: rate.NewLimiter(rate.Every(gapLogInterval), 1),
		onGap:  onGap,
	}, nil
}

// Data returns the backing memory, for mapping into the hardware and for
// the privileged zero-copy view.
func (b *Buffer) Data() []byte { return b.data }

// Size returns the ring size in bytes.
func (b *Buffer) Size() uint32 { return b.size }

// Format returns the record format the ring is armed with.
func (b *Buffer) Format() report.Format { return b.format }

// Reset re-zeroes the memory and rewinds both pointers. Called when a
// stream is enabled and after an overflow.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.data)
	b.head = 0
	b.tail = 0
}

// CheckTail runs the race compensation against a raw hardware tail value
// and publishes the accepted tail. rawTail is granularity-aligned but not
// necessarily record-aligned.
//
// The walk inspects the record ending at each candidate position; a
// candidate is accepted once that record's sentinel fields show it fully
// landed. Walking stops at the previous accepted tail, which bounds the
// scan to data not yet delivered.
func (b *Buffer) CheckTail(rawTail uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs := uint32(b.format.Size)
	mask := b.size - 1
	rawTail &= mask
	// Register reads are aligned down to the hardware write granularity,
	// so a raw value below that alignment is a caller bug; align here
	// rather than let it skew the fragment arithmetic.
	rawTail &^= b.gran - 1

	// Rewind any record fragment that may have only partially landed.
	// The previous accepted tail is record-aligned, so this puts the
	// tentative tail back on a record boundary.
	partial := ((rawTail - b.tail) & mask) % rs
	tentative := (rawTail - partial) & mask

	t := tentative
	for t != b.tail {
		rec := b.record((t - rs) & mask)
		if report.Landed(rec, b.format) {
			break
		}
		t = (t - rs) & mask
	}

	if gap := (rawTail - t) & mask; gap > rs {
		// More than one record in flight between the register and
		// memory. The accepted tail is still correct, just delayed.
		if b.onGap != nil {
			b.onGap(gap)
		}
		if b.gapLog.Allow() {
			b.logger.Warn("raw tail ahead of landed data by more than one record",
				"raw_tail", rawTail,
				"accepted_tail", t,
				"gap_bytes", gap)
		}
	}

	b.tail = t
}

// Pointers returns the current head and accepted tail.
func (b *Buffer) Pointers() (head, tail uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, b.tail
}

// Available returns the number of delivery-safe bytes between head and the
// accepted tail. Always a whole number of records.
func (b *Buffer) Available() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return (b.tail - b.head) & (b.size - 1)
}

// Ready reports whether at least threshold records are available.
func (b *Buffer) Ready(threshold int) bool {
	if threshold < 1 {
		threshold = 1
	}
	return b.Available() >= uint32(threshold)*uint32(b.format.Size)
}

// Record returns the record starting at off. Records never straddle the
// ring end: the size is a power-of-two multiple of the record size.
func (b *Buffer) Record(off uint32) []byte {
	return b.record(off & (b.size - 1))
}

func (b *Buffer) record(off uint32) []byte {
	return b.data[off : off+uint32(b.format.Size)]
}

// AdvanceHead moves the head forward by n whole records and returns the new
// head for write-back to the hardware. The head never passes the accepted
// tail; a caller bug that would do so is reported rather than corrupting
// the pointers.
func (b *Buffer) AdvanceHead(n int) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs := uint32(b.format.Size)
	mask := b.size - 1
	advance := uint32(n) * rs
	if advance > (b.tail-b.head)&mask {
		return b.head, errors.WrapFatal(
			fmt.Errorf("advance of %d records passes accepted tail", n),
			"ring", "AdvanceHead", "head advance")
	}
	b.head = (b.head + advance) & mask
	return b.head, nil
}

// SeekToEnd discards buffered but undelivered data by jumping the head to
// the accepted tail. The skipped records are re-zeroed so the landed test
// stays valid on the next wrap. Returns the new head.
func (b *Buffer) SeekToEnd() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs := uint32(b.format.Size)
	mask := b.size - 1
	for off := b.head; off != b.tail; off = (off + rs) & mask {
		report.ZeroSentinels(b.record(off), b.format)
	}
	b.head = b.tail
	return b.head
}
