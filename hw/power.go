package hw

import "sync"

// PowerDomain is a reference-counted power/clock-gating well. A group's
// domain must be held for the whole time its stream is open; the counters
// lose state when the well powers down.
type PowerDomain struct {
	name string

	mu   sync.Mutex
	refs int

	// Hooks for the device backend; either may be nil.
	onUp   func()
	onDown func()
}

// NewPowerDomain constructs a domain. onUp fires on the 0->1 reference
// transition, onDown on 1->0.
func NewPowerDomain(name string, onUp, onDown func()) *PowerDomain {
	return &PowerDomain{name: name, onUp: onUp, onDown: onDown}
}

// Name returns the domain name.
func (p *PowerDomain) Name() string { return p.name }

// Acquire takes a reference, powering the well up on first use.
func (p *PowerDomain) Acquire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs++
	if p.refs == 1 && p.onUp != nil {
		p.onUp()
	}
}

// Release drops a reference, powering the well down when the last holder
// leaves. Release without a matching Acquire is a no-op.
func (p *PowerDomain) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		return
	}
	p.refs--
	if p.refs == 0 && p.onDown != nil {
		p.onDown()
	}
}

// Held reports whether any reference is outstanding.
func (p *PowerDomain) Held() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs > 0
}
