package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/hw"
	"github.com/c360/counterstream/report"
)

// Block size of one group's register block.
const regBlockSize = 0x40

// Status register bits mirrored from the generation strategies.
const (
	statusOverflow   = 1 << 0
	statusReportLost = 1 << 1
	statusAck        = 1 << 2
)

// RecordSpec describes one record the producer should write.
type RecordSpec struct {
	Reason   report.Reason
	CtxID    uint32
	CtxValid bool

	// Timestamp of zero selects the device clock.
	Timestamp uint64
}

// Option configures the simulated device.
type Option func(*Device)

// WithGeneration selects the hardware generation ("gen8" or "gen12",
// default "gen12").
func WithGeneration(name string) Option {
	return func(d *Device) { d.genName = name }
}

// WithNoAck suppresses enable/disable acknowledgment, for exercising the
// hardware-timeout path.
func WithNoAck() Option {
	return func(d *Device) { d.noAck = true }
}

// WithAutoSample turns on autonomous periodic production when a group is
// enabled in periodic mode. The sampling period is base shifted left by the
// programmed exponent.
func WithAutoSample(base time.Duration) Option {
	return func(d *Device) { d.autoBase = base }
}

// Device is the simulated accelerator. It implements hw.Device.
type Device struct {
	genName  string
	noAck    bool
	autoBase time.Duration

	gen    hw.Generation
	groups []*hw.Group
	byID   map[hw.GroupID]*hw.Group
	byBase map[uint32]*hw.Group

	mu         sync.Mutex
	regs       map[uint32]uint32
	rings      map[uint32][]byte
	nextHandle uint32
	collectors map[hw.GroupID]*collector
	programs   []hw.Program
	ctxImages  map[uint32][]hw.RegWrite
	pinned     map[uint32]int

	clock     atomic.Uint64
	powerUps  atomic.Int64
	powerDown atomic.Int64
}

type collector struct {
	group   *hw.Group
	buf     []byte
	size    uint32
	format  report.Format
	tail    uint32
	seq     uint32
	enabled bool

	periodic bool
	exponent int
	stop     chan struct{}
}

// New constructs a simulated device with two counter groups: "oag"
// observing the render/compute engines and "oam" observing the video
// engines. Both share the device clock but have independent rings.
func New(opts ...Option) *Device {
	d := &Device{
		genName:    "gen12",
		regs:       make(map[uint32]uint32),
		rings:      make(map[uint32][]byte),
		nextHandle: 1,
		collectors: make(map[hw.GroupID]*collector),
		ctxImages:  make(map[uint32][]hw.RegWrite),
		pinned:     make(map[uint32]int),
		byID:       make(map[hw.GroupID]*hw.Group),
		byBase:     make(map[uint32]*hw.Group),
	}
	for _, opt := range opts {
		opt(d)
	}

	switch d.genName {
	case "gen8":
		d.gen = hw.NewGen8(d)
	default:
		d.gen = hw.NewGen12(d)
	}

	gtPower := hw.NewPowerDomain("gt0", func() { d.powerUps.Add(1) }, func() { d.powerDown.Add(1) })
	mediaPower := hw.NewPowerDomain("gt0-media", func() { d.powerUps.Add(1) }, func() { d.powerDown.Add(1) })

	oag := hw.NewGroup("oag", hw.EngineRender|hw.EngineCompute, 0x8000, gtPower)
	oam := hw.NewGroup("oam", hw.EngineVideo|hw.EngineVideoEnhance, 0x9000, mediaPower)
	for _, g := range []*hw.Group{oag, oam} {
		d.groups = append(d.groups, g)
		d.byID[g.ID()] = g
		d.byBase[g.RegBase()] = g
	}

	d.clock.Store(1)
	return d
}

// Generation implements hw.Device.
func (d *Device) Generation() hw.Generation { return d.gen }

// Groups implements hw.Device.
func (d *Device) Groups() []*hw.Group { return d.groups }

// Group implements hw.Device.
func (d *Device) Group(id hw.GroupID) (*hw.Group, bool) {
	g, ok := d.byID[id]
	return g, ok
}

// Read32 implements hw.Registers.
func (d *Device) Read32(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[addr]
}

// Write32 implements hw.Registers. Control and status writes have side
// effects, everything else is plain register state.
func (d *Device) Write32(addr, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	base := addr &^ (regBlockSize - 1)
	group, isGroupReg := d.byBase[base]
	if !isGroupReg {
		d.regs[addr] = value
		return
	}

	switch addr - base {
	case 0x00: // control
		prev := d.regs[addr]
		d.regs[addr] = value
		if value&1 != 0 && prev&1 == 0 {
			d.enableLocked(group, base)
		} else if value&1 == 0 && prev&1 != 0 {
			d.disableLocked(group, base)
		}
	case 0x18: // status, write-1-to-clear for the sticky bits
		d.regs[addr] &^= value & (statusOverflow | statusReportLost)
	default:
		d.regs[addr] = value
	}
}

func (d *Device) enableLocked(group *hw.Group, base uint32) {
	formatID, periodic, exponent := d.decodeConfigLocked(base)
	format, err := report.Lookup(formatID)
	if err != nil {
		// Bad format select: unit stays quiet and never acks.
		return
	}

	handle := d.regs[base+0x08]
	buf := d.rings[handle]

	c := &collector{
		group:    group,
		buf:      buf,
		size:     d.regs[base+0x0c],
		format:   format,
		periodic: periodic,
		exponent: exponent,
		enabled:  true,
		stop:     make(chan struct{}),
	}
	d.collectors[group.ID()] = c
	d.regs[base+0x14] = 0 // tail

	if !d.noAck {
		d.regs[base+0x18] |= statusAck
	}

	if d.autoBase > 0 && periodic && buf != nil {
		go d.autoProduce(c)
	}
}

func (d *Device) disableLocked(group *hw.Group, base uint32) {
	if c, ok := d.collectors[group.ID()]; ok && c.enabled {
		c.enabled = false
		close(c.stop)
	}
	delete(d.collectors, group.ID())
	if !d.noAck {
		d.regs[base+0x18] &^= statusAck
	}
}

// decodeConfigLocked reads back the collection configuration the strategy
// programmed, using the generation's register layout.
func (d *Device) decodeConfigLocked(base uint32) (report.FormatID, bool, int) {
	if d.genName == "gen8" {
		ctrl := d.regs[base+0x00]
		return report.FormatID((ctrl >> 1) & 0x7f), ctrl&(1<<8) != 0, int((ctrl >> 9) & 0x3f)
	}
	cfg := d.regs[base+0x1c]
	return report.FormatID(cfg & 0x7f), cfg&(1<<7) != 0, int((cfg >> 8) & 0x3f)
}

func (d *Device) autoProduce(c *collector) {
	shift := c.exponent
	if shift > 16 {
		shift = 16
	}
	period := d.autoBase << shift

	ctxs := []uint32{0x101, 0x202}
	n := 0
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			n++
			reason := report.ReasonTimer
			if n%8 == 0 {
				reason |= report.ReasonContextSwitch
			}
			d.WriteRecord(c.group.ID(), RecordSpec{
				Reason:   reason,
				CtxID:    ctxs[(n/8)%len(ctxs)],
				CtxValid: true,
			})
		}
	}
}

// WriteRecord writes one fully visible record and advances the tail
// register. Returns false when the ring is full, in which case the overflow
// status bit is raised and the record is dropped, matching the hardware's
// behavior when software falls behind.
func (d *Device) WriteRecord(id hw.GroupID, spec RecordSpec) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, slot, seq, ok := d.reserveLocked(id)
	if !ok {
		return false
	}
	d.writeRecordAt(c, slot, spec, seq)
	return true
}

// WriteDeferred reproduces the tail-pointer race: the tail register
// advances immediately, but only landed bytes of the record's payload
// become visible, and the sentinel words stay zero. The returned completion
// makes the whole record visible. landed counts payload bytes after the
// sentinel fields.
func (d *Device) WriteDeferred(id hw.GroupID, spec RecordSpec, landed int) (complete func(), ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, slot, seq, ok := d.reserveLocked(id)
	if !ok {
		return nil, false
	}

	rec := c.buf[slot : slot+uint32(c.format.Size)]
	start := c.format.ContextOffset() + 4 // keep the context word unwritten too
	for i := 0; i < landed && start+i < len(rec); i++ {
		rec[start+i] = byte(0xa0 + i)
	}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.writeRecordAt(c, slot, spec, seq)
	}, true
}

// reserveLocked claims the next record slot, advancing the tail register
// past it. The register moves before any bytes land; that ordering is the
// race the ring reader compensates for.
func (d *Device) reserveLocked(id hw.GroupID) (*collector, uint32, uint32, bool) {
	c, ok := d.collectors[id]
	if !ok || !c.enabled || c.buf == nil {
		return nil, 0, 0, false
	}

	base := c.group.RegBase()
	head := d.regs[base+0x10]
	recSize := uint32(c.format.Size)

	used := (c.tail - head) & (c.size - 1)
	if c.size-used <= recSize {
		d.regs[base+0x18] |= statusOverflow
		return nil, 0, 0, false
	}

	slot := c.tail
	c.tail = (c.tail + recSize) & (c.size - 1)
	c.seq++
	d.regs[base+0x14] = c.tail
	return c, slot, c.seq, true
}

func (d *Device) writeRecordAt(c *collector, slot uint32, spec RecordSpec, seq uint32) {
	rec := c.buf[slot : slot+uint32(c.format.Size)]

	// Payload first, sentinels last: the landed test depends on this
	// write order.
	for i := c.format.ContextOffset() + 4; i < len(rec); i++ {
		rec[i] = byte(seq) + byte(i)
	}
	report.SetContextID(rec, c.format, spec.CtxID)

	ts := spec.Timestamp
	if ts == 0 {
		ts = d.clock.Add(1)
	}
	report.EncodeTimestamp(rec, c.format, ts)
	report.EncodeHeader(rec, spec.Reason, spec.CtxValid, seq)
}

// FlagReportLost raises the report-lost status bit on a group.
func (d *Device) FlagReportLost(id hw.GroupID) {
	g, ok := d.byID[id]
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[g.RegBase()+0x18] |= statusReportLost
}

// MapRing implements hw.Device.
func (d *Device) MapRing(buf []byte) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	handle := d.nextHandle
	d.nextHandle++
	d.rings[handle] = buf
	return handle
}

// UnmapRing implements hw.Device.
func (d *Device) UnmapRing(handle uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rings, handle)
}

// Submit implements hw.Submitter. One-shot programs apply their writes to
// the register file; per-context programs are folded into the context's
// register image, where they take effect on the next restore.
func (d *Device) Submit(ctx context.Context, p *hw.Program) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	d.programs = append(d.programs, *p)
	if p.ContextID != 0 {
		d.ctxImages[p.ContextID] = append(d.ctxImages[p.ContextID], p.Writes...)
	} else {
		for _, w := range p.Writes {
			d.regs[w.Addr] = w.Value
		}
	}
	d.mu.Unlock()

	if p.Settle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Settle):
		}
	}
	return nil
}

// PinContext implements hw.Device.
func (d *Device) PinContext(id uint32) (func(), error) {
	if id == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("context id 0"), "sim", "PinContext", "pin context")
	}
	d.mu.Lock()
	d.pinned[id]++
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.pinned[id] > 0 {
				d.pinned[id]--
			}
		})
	}, nil
}

// Test inspection helpers.

// SubmittedPrograms returns a copy of all programs submitted so far.
func (d *Device) SubmittedPrograms() []hw.Program {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]hw.Program, len(d.programs))
	copy(out, d.programs)
	return out
}

// ContextImage returns the accumulated per-context register writes.
func (d *Device) ContextImage(id uint32) []hw.RegWrite {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]hw.RegWrite, len(d.ctxImages[id]))
	copy(out, d.ctxImages[id])
	return out
}

// PinCount returns the pin refcount for a context.
func (d *Device) PinCount(id uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pinned[id]
}

// PowerTransitions returns the observed power-up and power-down counts.
func (d *Device) PowerTransitions() (ups, downs int64) {
	return d.powerUps.Load(), d.powerDown.Load()
}
