package hw

import (
	"sync"

	"github.com/c360/counterstream/errors"
)

// GroupID names one physical counter unit on the device.
type GroupID string

// EngineMask is a bitmask of the engines whose activity a group observes.
type EngineMask uint32

// Engine bits.
const (
	EngineRender EngineMask = 1 << iota
	EngineCopy
	EngineVideo
	EngineVideoEnhance
	EngineCompute
)

// Owner identifies the holder of a group's exclusive slot. Streams satisfy
// this with their handle.
type Owner interface {
	OwnerID() uint64
}

// Group is one hardware counter-sampling unit shared by a fixed set of
// engines. Groups are created at device discovery and live until device
// teardown. The exclusive slot admits at most one owner; there is no
// queuing or preemption, because the unit cannot be time-shared without
// losing counter state.
type Group struct {
	id      GroupID
	engines EngineMask
	regBase uint32
	power   *PowerDomain

	mu        sync.Mutex
	exclusive Owner
}

// NewGroup constructs a group. Called by device discovery only.
func NewGroup(id GroupID, engines EngineMask, regBase uint32, power *PowerDomain) *Group {
	return &Group{id: id, engines: engines, regBase: regBase, power: power}
}

// ID returns the group identity.
func (g *Group) ID() GroupID { return g.id }

// Engines returns the engine membership mask.
func (g *Group) Engines() EngineMask { return g.engines }

// RegBase returns the group's register-block base address.
func (g *Group) RegBase() uint32 { return g.regBase }

// Claim takes the group's exclusive slot for owner and acquires the group's
// power domain. Returns ErrGroupBusy if another owner holds the slot; the
// caller must close the owning stream first.
func (g *Group) Claim(owner Owner) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exclusive != nil {
		if g.exclusive.OwnerID() == owner.OwnerID() {
			return nil
		}
		return errors.ErrGroupBusy
	}

	g.exclusive = owner
	g.power.Acquire()
	return nil
}

// Release drops the exclusive slot if owner holds it and releases the power
// domain. Idempotent for a matching owner; a stale release from a previous
// owner is ignored.
func (g *Group) Release(owner Owner) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.exclusive == nil || g.exclusive.OwnerID() != owner.OwnerID() {
		return
	}
	g.exclusive = nil
	g.power.Release()
}

// ExclusiveOwner returns the current owner's ID and whether the slot is
// held. For introspection (stream listings); claiming goes through Claim.
func (g *Group) ExclusiveOwner() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.exclusive == nil {
		return 0, false
	}
	return g.exclusive.OwnerID(), true
}
