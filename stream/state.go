package stream

// State is the stream lifecycle state.
type State int

// Lifecycle states. Opening exists only inside Open; it is observable when
// Open runs concurrently with an introspection call.
const (
	StateClosed State = iota
	StateOpening
	StateDisabled
	StateEnabled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}
