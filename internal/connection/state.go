package connection

import "github.com/rickgao/wsmux/internal/status"

// State is the lifecycle state of a connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// stateTransitions is the state machine's transition table.
//
//	connecting   -> open | errored | closing
//	open         -> reconnecting | closing | errored
//	reconnecting -> open | errored | closing
//	closing      -> closed
//	closed, errored: terminal
var stateTransitions = map[State][]State{
	StateConnecting:   {StateOpen, StateErrored, StateClosing},
	StateOpen:         {StateReconnecting, StateClosing, StateErrored},
	StateReconnecting: {StateOpen, StateErrored, StateClosing},
	StateClosing:      {StateClosed},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether the connection is usable or will become usable
// without a new Connect call.
func (s State) Live() bool {
	return s == StateConnecting || s == StateOpen || s == StateReconnecting
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// Status maps the state to the observer-visible status. Closing has no
// observer counterpart.
func (s State) Status() (status.Status, bool) {
	switch s {
	case StateConnecting:
		return status.Connecting, true
	case StateOpen:
		return status.Open, true
	case StateReconnecting:
		return status.Reconnecting, true
	case StateClosed:
		return status.Closed, true
	case StateErrored:
		return status.Errored, true
	}
	return 0, false
}
