package hw

import (
	"context"
	"time"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/report"
)

// gen8 control register fields. Everything is packed into one register on
// this generation.
const (
	gen8FormatShift   = 1
	gen8FormatMask    = 0x7f << gen8FormatShift
	gen8Periodic      = 1 << 8
	gen8ExponentShift = 9
	gen8ExponentMask  = 0x3f << gen8ExponentShift
	gen8CtxFilter     = 1 << 15
)

const enableAckTimeout = 50 * time.Millisecond

// Gen8 implements the Generation strategy for the older unit layout:
// single packed control register, 32-byte tail granularity, narrow-header
// formats only.
type Gen8 struct {
	regs Registers
}

// NewGen8 returns the gen8 strategy bound to the device's register bus.
func NewGen8(regs Registers) *Gen8 {
	return &Gen8{regs: regs}
}

// Name implements Generation.
func (g *Gen8) Name() string { return "gen8" }

// Formats implements Generation.
func (g *Gen8) Formats() []report.FormatID {
	return []report.FormatID{report.FormatC4B8, report.FormatA12, report.FormatA12B8C8, report.FormatA32B8C8}
}

// TailGranularity implements Generation.
func (g *Gen8) TailGranularity() uint32 { return 32 }

// MaxBufferSize implements Generation.
func (g *Gen8) MaxBufferSize() uint32 { return 16 << 20 }

// EnableCollection implements Generation.
func (g *Gen8) EnableCollection(ctx context.Context, grp *Group, p CollectionParams) error {
	base := grp.RegBase()

	g.regs.Write32(base+regBufBase, p.BufferHandle)
	g.regs.Write32(base+regBufSize, p.BufferSize)
	g.regs.Write32(base+regHead, 0)

	ctrl := uint32(ctrlEnable)
	ctrl |= (uint32(p.Format.ID) << gen8FormatShift) & gen8FormatMask
	if p.Periodic {
		ctrl |= gen8Periodic
		ctrl |= (uint32(p.Exponent) << gen8ExponentShift) & gen8ExponentMask
	}
	if p.FilterEnabled {
		ctrl |= gen8CtxFilter
		g.regs.Write32(base+regCtxFilter, p.FilterCtx)
	}
	g.regs.Write32(base+regCtrl, ctrl)

	err := WaitRegister32(ctx, g.regs, base+regStatus, uint32(StatusAck), uint32(StatusAck), enableAckTimeout)
	return errors.Wrap(err, "Gen8", "EnableCollection", "enable acknowledgment")
}

// DisableCollection implements Generation.
func (g *Gen8) DisableCollection(ctx context.Context, grp *Group) error {
	base := grp.RegBase()
	g.regs.Write32(base+regCtrl, 0)

	err := WaitRegister32(ctx, g.regs, base+regStatus, uint32(StatusAck), 0, enableAckTimeout)
	return errors.Wrap(err, "Gen8", "DisableCollection", "disable acknowledgment")
}

// TailPointer implements Generation.
func (g *Gen8) TailPointer(grp *Group) uint32 {
	return g.regs.Read32(grp.RegBase()+regTail) &^ (g.TailGranularity() - 1)
}

// AdvanceHead implements Generation.
func (g *Gen8) AdvanceHead(grp *Group, head uint32) {
	g.regs.Write32(grp.RegBase()+regHead, head)
}

// Status implements Generation.
func (g *Gen8) Status(grp *Group) StatusFlags {
	return StatusFlags(g.regs.Read32(grp.RegBase() + regStatus))
}

// ClearStatus implements Generation.
func (g *Gen8) ClearStatus(grp *Group, flags StatusFlags) {
	// Write-1-to-clear.
	g.regs.Write32(grp.RegBase()+regStatus, uint32(flags&(StatusOverflow|StatusReportLost)))
}
