package report

// Filter applies context-identity filtering to records before delivery.
//
// A filtered stream must not leak other clients' context identities, but the
// counter payload of foreign records is still delivered because the
// aggregating counters are free-running: the consumer needs every record to
// compute deltas across its own measurement windows. Foreign records
// therefore have their identity word overwritten with SquashedCtxID rather
// than being dropped. Context-switch boundary records pass through intact;
// they are what lets the consumer delimit its windows.
//
// Filter is not safe for concurrent use; the stream serializes delivery.
type Filter struct {
	format Format

	// enabled is false when hardware context reporting is turned off by
	// configuration, in which case records pass through unchanged.
	enabled bool

	// filterCtx is the identity the stream was opened with.
	filterCtx uint32

	// lastCtx tracks the most recent valid context identity seen, used to
	// attribute records whose context-valid flag is clear.
	lastCtx uint32
}

// NewFilter returns a filter keeping records attributed to filterCtx.
// When enabled is false the filter is a pass-through.
func NewFilter(format Format, filterCtx uint32, enabled bool) *Filter {
	return &Filter{
		format:    format,
		enabled:   enabled,
		filterCtx: filterCtx,
		lastCtx:   SquashedCtxID,
	}
}

// LastContext returns the most recently observed valid context identity.
func (f *Filter) LastContext() uint32 {
	return f.lastCtx
}

// Apply normalizes one record in place and reports whether the record is
// attributed to the filtered context. Records from foreign contexts are
// squashed, not suppressed; the caller delivers the record either way.
func (f *Filter) Apply(rec []byte) (matched bool) {
	if !f.enabled {
		return true
	}

	ctx := f.currentContext(rec)
	matched = ctx == f.filterCtx

	if !matched && RecReason(rec)&ReasonContextSwitch == 0 {
		SetContextID(rec, f.format, SquashedCtxID)
	}
	return matched
}

// currentContext resolves the record's owning context, falling back to the
// last valid identity for records whose context-valid flag is clear.
func (f *Filter) currentContext(rec []byte) uint32 {
	if CtxValid(rec) {
		f.lastCtx = ContextID(rec, f.format)
		return f.lastCtx
	}
	return f.lastCtx
}
