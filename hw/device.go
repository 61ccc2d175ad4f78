package hw

import (
	"context"
	"time"
)

// Registers is the 32-bit register bus. Implementations must be safe for
// concurrent use; the poller and reader paths read tail and status registers
// while the hardware updates them.
type Registers interface {
	Read32(addr uint32) uint32
	Write32(addr, value uint32)
}

// RegWrite is one (register, value) store in a hardware program.
type RegWrite struct {
	Addr  uint32
	Value uint32
}

// Program is a short hardware-executable program: a sequence of register
// writes followed by a jump into the device's shared wait program, expressed
// here as a settle duration. Programs targeting a pinned context carry its
// identity and are applied through the context save/restore path so the
// written state survives context switches.
type Program struct {
	Writes []RegWrite
	Settle time.Duration

	// ContextID selects the per-context load path when non-zero.
	ContextID uint32
}

// Submitter executes hardware programs. One-shot programs run on a
// low-priority maintenance context; per-context programs are folded into the
// target context's register image.
type Submitter interface {
	Submit(ctx context.Context, p *Program) error
}

// Device is a discovered accelerator. Groups and the generation strategy
// are fixed at discovery time.
type Device interface {
	Registers
	Submitter

	Generation() Generation
	Groups() []*Group
	Group(id GroupID) (*Group, bool)

	// MapRing makes buf visible to the hardware and returns the handle to
	// program into the group's buffer-base register. UnmapRing releases it.
	MapRing(buf []byte) uint32
	UnmapRing(handle uint32)

	// PinContext pins a hardware context so a filtered stream's counter
	// state survives while the stream is open. The returned release
	// function unpins it.
	PinContext(id uint32) (release func(), err error)
}
