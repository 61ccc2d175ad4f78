package hw

import (
	"context"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/report"
)

// gen12 splits configuration across dedicated registers instead of packing
// one control word.
const (
	gen12FormatMask    = 0x7f
	gen12Periodic      = 1 << 7
	gen12ExponentShift = 8
	gen12ExponentMask  = 0x3f << gen12ExponentShift

	gen12CtxFilterEnable = 1 << 0
)

// Gen12 implements the Generation strategy for the newer unit layout:
// split config/context-control registers, 8-byte tail granularity, and the
// wide-header format in addition to the narrow ones.
type Gen12 struct {
	regs Registers
}

// NewGen12 returns the gen12 strategy bound to the device's register bus.
func NewGen12(regs Registers) *Gen12 {
	return &Gen12{regs: regs}
}

// Name implements Generation.
func (g *Gen12) Name() string { return "gen12" }

// Formats implements Generation.
func (g *Gen12) Formats() []report.FormatID {
	return []report.FormatID{report.FormatA12, report.FormatA12B8C8, report.FormatA32B8C8, report.FormatA24B8C8X}
}

// TailGranularity implements Generation.
func (g *Gen12) TailGranularity() uint32 { return 8 }

// MaxBufferSize implements Generation.
func (g *Gen12) MaxBufferSize() uint32 { return 32 << 20 }

// EnableCollection implements Generation.
func (g *Gen12) EnableCollection(ctx context.Context, grp *Group, p CollectionParams) error {
	base := grp.RegBase()

	g.regs.Write32(base+regBufBase, p.BufferHandle)
	g.regs.Write32(base+regBufSize, p.BufferSize)
	g.regs.Write32(base+regHead, 0)

	cfg := uint32(p.Format.ID) & gen12FormatMask
	if p.Periodic {
		cfg |= gen12Periodic
		cfg |= (uint32(p.Exponent) << gen12ExponentShift) & gen12ExponentMask
	}
	g.regs.Write32(base+regCfg, cfg)

	if p.FilterEnabled {
		g.regs.Write32(base+regCtxFilter, p.FilterCtx)
		g.regs.Write32(base+regCtxCtrl, gen12CtxFilterEnable)
	} else {
		g.regs.Write32(base+regCtxCtrl, 0)
	}

	g.regs.Write32(base+regCtrl, ctrlEnable)

	err := WaitRegister32(ctx, g.regs, base+regStatus, uint32(StatusAck), uint32(StatusAck), enableAckTimeout)
	return errors.Wrap(err, "Gen12", "EnableCollection", "enable acknowledgment")
}

// DisableCollection implements Generation.
func (g *Gen12) DisableCollection(ctx context.Context, grp *Group) error {
	base := grp.RegBase()
	g.regs.Write32(base+regCtrl, 0)

	err := WaitRegister32(ctx, g.regs, base+regStatus, uint32(StatusAck), 0, enableAckTimeout)
	return errors.Wrap(err, "Gen12", "DisableCollection", "disable acknowledgment")
}

// TailPointer implements Generation.
func (g *Gen12) TailPointer(grp *Group) uint32 {
	return g.regs.Read32(grp.RegBase()+regTail) &^ (g.TailGranularity() - 1)
}

// AdvanceHead implements Generation.
func (g *Gen12) AdvanceHead(grp *Group, head uint32) {
	g.regs.Write32(grp.RegBase()+regHead, head)
}

// Status implements Generation.
func (g *Gen12) Status(grp *Group) StatusFlags {
	return StatusFlags(g.regs.Read32(grp.RegBase() + regStatus))
}

// ClearStatus implements Generation.
func (g *Gen12) ClearStatus(grp *Group, flags StatusFlags) {
	g.regs.Write32(grp.RegBase()+regStatus, uint32(flags&(StatusOverflow|StatusReportLost)))
}
