package metricset

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/counterstream/hw"
)

// Category partitions the registers of a set by what they program.
type Category int

const (
	// CategoryMux selects which hardware signals feed the counters.
	CategoryMux Category = iota
	// CategoryBoolean programs the boolean/aggregation counter logic.
	CategoryBoolean
	// CategoryFlex programs the per-context counters saved and restored
	// with the context image.
	CategoryFlex
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMux:
		return "mux"
	case CategoryBoolean:
		return "boolean"
	case CategoryFlex:
		return "flex"
	default:
		return "unknown"
	}
}

// Register is one user-supplied (register, value) pair.
type Register struct {
	Addr  uint32 `json:"addr"`
	Value uint32 `json:"value"`
}

// Set is a compiled, validated counter configuration. Immutable after
// compile; shared by reference counting. Holders are the registry entry,
// any stream using the set, and any in-flight hardware program built from
// it.
type Set struct {
	uuid uuid.UUID
	id   int

	mux     []hw.RegWrite
	boolean []hw.RegWrite
	flex    []hw.RegWrite

	refs atomic.Int64

	// released fires once when the last reference drops; the registry
	// uses it to recycle the numeric ID.
	released func(*Set)
}

// UUID returns the caller-supplied identity.
func (s *Set) UUID() uuid.UUID { return s.uuid }

// ID returns the allocator-assigned numeric identity.
func (s *Set) ID() int { return s.id }

// Registers returns the register writes for one category. The returned
// slice is shared; callers must not mutate it.
func (s *Set) Registers(c Category) []hw.RegWrite {
	switch c {
	case CategoryMux:
		return s.mux
	case CategoryBoolean:
		return s.boolean
	case CategoryFlex:
		return s.flex
	default:
		return nil
	}
}

// Acquire takes a reference.
func (s *Set) Acquire() *Set {
	s.refs.Add(1)
	return s
}

// Release drops a reference. The set stays fully usable for remaining
// holders even after it is removed from the registry.
func (s *Set) Release() {
	if s.refs.Add(-1) == 0 && s.released != nil {
		s.released(s)
	}
}

// Refs returns the current reference count. For tests and diagnostics.
func (s *Set) Refs() int64 { return s.refs.Load() }
