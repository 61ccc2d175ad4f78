package hw

import (
	"context"

	"github.com/c360/counterstream/report"
)

// StatusFlags is the group status register contents.
type StatusFlags uint32

// Status register bits. Overflow and ReportLost are write-1-to-clear; Ack
// is read-only and tracks the enable bit.
const (
	StatusOverflow StatusFlags = 1 << iota
	StatusReportLost
	StatusAck
)

// CollectionParams configures one collection run on a group.
type CollectionParams struct {
	BufferHandle  uint32
	BufferSize    uint32
	Format        report.Format
	Periodic      bool
	Exponent      int
	FilterEnabled bool
	FilterCtx     uint32
}

// Generation is the per-hardware-generation strategy, selected once at
// device initialization. Implementations differ in register layout, tail
// granularity and supported formats, not in behavior: enable must not
// return before the hardware acknowledges, and disable must leave the unit
// quiesced.
type Generation interface {
	Name() string

	// Formats lists the report formats this generation can produce.
	Formats() []report.FormatID

	// TailGranularity is the hardware's minimum write granularity in
	// bytes. The tail pointer advances in multiples of this, which is
	// smaller than a full record.
	TailGranularity() uint32

	// MaxBufferSize is the largest ring the unit can address.
	MaxBufferSize() uint32

	EnableCollection(ctx context.Context, g *Group, p CollectionParams) error
	DisableCollection(ctx context.Context, g *Group) error

	// TailPointer reads the raw hardware tail as a buffer-relative byte
	// offset, aligned down to the tail granularity.
	TailPointer(g *Group) uint32

	// AdvanceHead publishes the software head back to the hardware so it
	// knows how much of the ring has been consumed.
	AdvanceHead(g *Group, head uint32)

	Status(g *Group) StatusFlags
	ClearStatus(g *Group, flags StatusFlags)
}

// Register offsets within a group's register block, shared by the
// generations that keep the original block layout.
const (
	regCtrl      = 0x00
	regCtxFilter = 0x04
	regBufBase   = 0x08
	regBufSize   = 0x0c
	regHead      = 0x10
	regTail      = 0x14
	regStatus    = 0x18

	// gen12 split configuration registers
	regCfg     = 0x1c
	regCtxCtrl = 0x20
)

const ctrlEnable = 1 << 0
