package metricset

// addrRange is an inclusive register address range.
type addrRange struct {
	lo, hi uint32
}

func (r addrRange) contains(addr uint32) bool {
	return addr >= r.lo && addr <= r.hi
}

// allowList is the per-platform register policy: which addresses user
// configuration may touch, per category, and which of those get their
// value masked before acceptance because they share a register with
// driver-critical bits.
type allowList struct {
	mux     []addrRange
	boolean []addrRange
	flex    []addrRange

	// masked maps an address to the bits user values are confined to.
	masked map[uint32]uint32
}

// Platform allow-lists. The boolean block on both platforms ends with the
// report-trigger pair, whose high bits gate internal debug sampling and are
// masked off.
var allowLists = map[string]*allowList{
	"gen8": {
		mux:     []addrRange{{0x9800, 0x98ff}, {0x9c00, 0x9c7f}},
		boolean: []addrRange{{0x2700, 0x277f}},
		flex:    []addrRange{{0x2600, 0x26ff}},
		masked: map[uint32]uint32{
			0x2770: 0x0007ffff,
			0x2774: 0x0007ffff,
		},
	},
	"gen12": {
		mux:     []addrRange{{0xd800, 0xd8ff}, {0x9400, 0x947f}},
		boolean: []addrRange{{0xd900, 0xd97f}},
		flex:    []addrRange{{0xe200, 0xe2ff}},
		masked: map[uint32]uint32{
			0xd970: 0x007fffff,
			0xd974: 0x007fffff,
		},
	},
}

func (a *allowList) ranges(c Category) []addrRange {
	switch c {
	case CategoryMux:
		return a.mux
	case CategoryBoolean:
		return a.boolean
	case CategoryFlex:
		return a.flex
	default:
		return nil
	}
}

func (a *allowList) allows(c Category, addr uint32) bool {
	for _, r := range a.ranges(c) {
		if r.contains(addr) {
			return true
		}
	}
	return false
}
