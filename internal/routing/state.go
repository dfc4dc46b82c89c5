package routing

// State is the router lifecycle state
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateDegraded
	StateClosed
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateConnecting:    "connecting",
	StateReady:         "ready",
	StateDegraded:      "degraded",
	StateClosed:        "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// StateNames lists every state name in lifecycle order
func StateNames() []string {
	return []string{
		StateUninitialized.String(),
		StateConnecting.String(),
		StateReady.String(),
		StateDegraded.String(),
		StateClosed.String(),
	}
}

var transitions = map[State][]State{
	StateUninitialized: {StateConnecting, StateClosed},
	// A failed start drops back to uninitialized so Start can be retried.
	StateConnecting: {StateReady, StateDegraded, StateUninitialized, StateClosed},
	StateReady:      {StateDegraded, StateClosed},
	StateDegraded:   {StateReady, StateClosed},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Serving reports whether the router accepts queries in this state
func (s State) Serving() bool {
	return s == StateReady || s == StateDegraded
}
