package tunnel

import "fmt"

// State is the lifecycle state of a Client.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateConnected
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// validTransition reports whether the lifecycle graph has an edge from
// cur to next.
func validTransition(cur, next State) bool {
	switch cur {
	case StateStopped:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateStopped || next == StateStopping
	case StateConnected:
		return next == StateStopping
	case StateStopping:
		return next == StateStopped
	}
	return false
}
