package kernel

import "fmt"

// State represents the lifecycle of a Proxy's connection.
type State int

const (
	// StateConnecting is the initial state; the stream is not yet confirmed usable.
	StateConnecting State = iota
	// StateOpen indicates the run loop is running and submissions are accepted.
	StateOpen
	// StateDraining indicates a local shutdown was requested. No new submissions are
	// accepted; pending ones may still complete.
	StateDraining
	// StateClosed indicates the run loop ended cleanly.
	StateClosed
	// StateFaulted indicates the connection failed.
	StateFaulted
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	case StateFaulted:
		return "Faulted"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Terminal reports whether no transition out of the state exists.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFaulted
}

// canTransition reports whether the state machine allows from → to.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateOpen:
		return from == StateConnecting
	case StateDraining:
		return from == StateConnecting || from == StateOpen
	case StateClosed, StateFaulted:
		return true
	default:
		return false
	}
}
