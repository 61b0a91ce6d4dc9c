package session

import "fmt"

// State is the lifecycle state of a Session.
type State int

const (
	Open State = iota
	Connecting
	Connected
	Disconnected
	Error
)

var stateNames = [...]string{
	Open:         "open",
	Connecting:   "connecting",
	Connected:    "connected",
	Disconnected: "disconnected",
	Error:        "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the edges a session may take.  Connecting moves to
// Disconnected when the attempt is cancelled or the session closed;
// Disconnected and Error return to Open only by recreating the
// endpoint.
var transitions = map[State][]State{
	Open:         {Connecting, Disconnected},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Disconnected, Error},
	Disconnected: {Open, Connected, Error},
	Error:        {Open, Connected, Disconnected, Error},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
