package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/hw"
	"github.com/c360/counterstream/report"
)

// Delivery unit kinds. Every unit a read returns starts with an 8-byte
// header: kind (4 bytes LE), reserved (2), total unit size (2). Status
// units carry no body; counter units carry one full record.
const (
	UnitCounterRecord  uint32 = 1
	UnitReportLost     uint32 = 2
	UnitBufferOverflow uint32 = 3
)

// UnitHeaderSize is the size of the per-unit header in bytes.
const UnitHeaderSize = 8

func putUnitHeader(p []byte, kind uint32, size int) {
	binary.LittleEndian.PutUint32(p[0:4], kind)
	binary.LittleEndian.PutUint16(p[4:6], 0)
	binary.LittleEndian.PutUint16(p[6:8], uint16(size))
}

// UnitHeader decodes the header of one delivery unit. Size is the total
// unit length including the header.
func UnitHeader(p []byte) (kind uint32, size int) {
	return binary.LittleEndian.Uint32(p[0:4]), int(binary.LittleEndian.Uint16(p[6:8]))
}

// Read drains buffered records into p without blocking. Each delivered
// unit is self-describing: pending status notices come first, then whole
// counter records up to p's capacity. Returns ErrWouldBlock when nothing
// is deliverable.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return 0, errors.ErrStreamClosed
	case StateEnabled:
	default:
		return 0, errors.ErrNotEnabled
	}

	if err := s.observeStatus(ctx); err != nil {
		return 0, err
	}

	n := 0

	if s.overflowPending {
		if len(p)-n < UnitHeaderSize {
			return n, s.shortBuffer(n, len(p))
		}
		putUnitHeader(p[n:], UnitBufferOverflow, UnitHeaderSize)
		n += UnitHeaderSize
		s.overflowPending = false
	}
	if s.reportLostPending {
		if len(p)-n < UnitHeaderSize {
			return n, s.shortBuffer(n, len(p))
		}
		putUnitHeader(p[n:], UnitReportLost, UnitHeaderSize)
		n += UnitHeaderSize
		s.reportLostPending = false
	}

	s.ring.CheckTail(s.gen.TailPointer(s.group))

	rs := int(s.format.Size)
	unit := UnitHeaderSize + rs
	head, _ := s.ring.Pointers()
	available := int(s.ring.Available()) / rs

	delivered := 0
	for delivered < available && len(p)-n >= unit {
		rec := s.ring.Record(head + uint32(delivered*rs))
		s.filter.Apply(rec)

		putUnitHeader(p[n:], UnitCounterRecord, unit)
		copy(p[n+UnitHeaderSize:], rec)
		n += unit

		// Re-zero the sentinel words so the landed test stays valid when
		// the ring wraps back over this slot.
		report.ZeroSentinels(rec, s.format)
		delivered++
	}

	if delivered > 0 {
		newHead, err := s.ring.AdvanceHead(delivered)
		if err != nil {
			return n, err
		}
		s.gen.AdvanceHead(s.group, newHead)

		label := string(s.group.ID())
		s.m.RecordsDelivered.WithLabelValues(label).Add(float64(delivered))
		s.m.BytesDelivered.WithLabelValues(label).Add(float64(n))
		s.m.ReadDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}

	if n == 0 {
		if available > 0 {
			return 0, s.shortBuffer(0, len(p))
		}
		return 0, errors.ErrWouldBlock
	}
	return n, nil
}

func (s *Stream) shortBuffer(n, size int) error {
	if n > 0 {
		// Partial delivery is a success; the rest comes on the next read.
		return nil
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: buffer of %d bytes cannot hold one delivery unit",
			errors.ErrInvalidProperty, size),
		"stream", "Read", "destination sizing")
}

// ReadBlocking reads like Read but waits for data instead of returning
// ErrWouldBlock, until ctx is done or the stream stops delivering.
func (s *Stream) ReadBlocking(ctx context.Context, p []byte) (int, error) {
	for {
		n, err := s.Read(ctx, p)
		if !errors.IsWouldBlock(err) {
			return n, err
		}
		if err := s.waitForData(ctx); err != nil {
			return 0, err
		}
	}
}

// Poll reports whether a read would deliver at least the notify threshold
// of records or a pending status notice.
func (s *Stream) Poll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEnabled {
		return false
	}
	if s.overflowPending || s.reportLostPending {
		return true
	}
	if s.gen.Status(s.group)&(hw.StatusOverflow|hw.StatusReportLost) != 0 {
		return true
	}
	s.ring.CheckTail(s.gen.TailPointer(s.group))
	return s.ring.Ready(s.threshold)
}

// observeStatus folds the hardware status flags into pending delivery
// state. An overflow resets the ring immediately; the notice is delivered
// before any records collected after the reset.
func (s *Stream) observeStatus(ctx context.Context) error {
	flags := s.gen.Status(s.group)
	label := string(s.group.ID())

	if flags&hw.StatusReportLost != 0 {
		s.gen.ClearStatus(s.group, hw.StatusReportLost)
		s.reportLostPending = true
		s.m.ReportsLost.WithLabelValues(label).Inc()
	}

	if flags&hw.StatusOverflow != 0 {
		s.gen.ClearStatus(s.group, hw.StatusOverflow)
		s.overflowPending = true
		s.m.BufferOverflows.WithLabelValues(label).Inc()
		s.logger.Warn("ring overflow, resetting", "id", s.id)

		if err := s.resetCollectionLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// resetCollectionLocked restarts collection over a re-zeroed ring after an
// overflow. Buffered-but-undelivered data is discarded; the overflow
// status record acknowledges the loss to the consumer.
func (s *Stream) resetCollectionLocked(ctx context.Context) error {
	if err := s.gen.DisableCollection(ctx, s.group); err != nil {
		s.m.HardwareTimeouts.WithLabelValues(string(s.group.ID()), "disable").Inc()
		return err
	}
	s.ring.Reset()
	if err := s.gen.EnableCollection(ctx, s.group, s.collectionParams()); err != nil {
		s.m.HardwareTimeouts.WithLabelValues(string(s.group.ID()), "enable").Inc()
		return err
	}
	return nil
}
