package transport

import "sync/atomic"

// State is the lifecycle state of a client connection.
type State int32

const (
	StateNotConnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not_connected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateNotConnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnecting},
	StateConnected:     {StateDisconnecting},
	StateDisconnecting: {StateNotConnected},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine holds a State that may be read from any goroutine.
// Transitions are compare-and-swap so a losing caller observes false and
// leaves the state untouched.
type StateMachine struct {
	v atomic.Int32
}

func (m *StateMachine) Load() State {
	return State(m.v.Load())
}

func (m *StateMachine) Transition(from, to State) bool {
	if !CanTransition(from, to) {
		return false
	}
	return m.v.CompareAndSwap(int32(from), int32(to))
}

// BeginConnect moves NotConnected -> Connecting.
func (m *StateMachine) BeginConnect() bool {
	return m.Transition(StateNotConnected, StateConnecting)
}

// Established moves Connecting -> Connected.
func (m *StateMachine) Established() bool {
	return m.Transition(StateConnecting, StateConnected)
}

// BeginDisconnect moves Connecting or Connected to Disconnecting.
func (m *StateMachine) BeginDisconnect() bool {
	for {
		cur := m.Load()
		if cur != StateConnecting && cur != StateConnected {
			return false
		}
		if m.Transition(cur, StateDisconnecting) {
			return true
		}
	}
}

// Finish completes teardown: Disconnecting -> NotConnected.
func (m *StateMachine) Finish() bool {
	return m.Transition(StateDisconnecting, StateNotConnected)
}
