package network

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnectPending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnectPending:
		return "reconnect_pending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the states reachable from each state. setStateLocked
// is the only writer of Manager.state and refuses anything else.
var transitions = map[State][]State{
	StateDisconnected:     {StateConnecting, StateClosed},
	StateConnecting:       {StateOpen, StateReconnectPending, StateDisconnected, StateClosed},
	StateOpen:             {StateConnecting, StateReconnectPending, StateClosed},
	StateReconnectPending: {StateConnecting, StateDisconnected, StateClosed},
	StateClosed:           {StateConnecting},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
