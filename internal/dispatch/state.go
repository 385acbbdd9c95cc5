package dispatch

import "sync/atomic"

// State describes where a consumer sits in the delivery cycle. Push and
// pull consumers share the same machine; the mode only changes who drives
// the transitions.
type State int32

const (
	StateIdle State = iota
	StateDelivering
	StateAwaitingAck
	StatePaused
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDelivering:
		return "delivering"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canEnter reports whether a transition from s to next is legal. Closed is
// terminal; Paused is reachable from every live state.
func (s State) canEnter(next State) bool {
	if s == StateClosed {
		return false
	}
	if next == StateClosed || next == StatePaused {
		return true
	}
	switch s {
	case StateIdle:
		return next == StateDelivering
	case StateDelivering:
		return next == StateAwaitingAck || next == StateIdle
	case StateAwaitingAck:
		return next == StateIdle || next == StateDelivering
	case StatePaused:
		return next == StateIdle || next == StateDelivering
	}
	return false
}

// Machine is an atomic state holder enforcing the transition table, safe to
// read from status handlers while the delivery goroutine advances it.
type Machine struct {
	v atomic.Int32
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.v.Load())
}

// To advances the machine to next when the transition is legal and reports
// whether it was applied.
func (m *Machine) To(next State) bool {
	for {
		cur := State(m.v.Load())
		if cur == next {
			return true
		}
		if !cur.canEnter(next) {
			return false
		}
		if m.v.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// Close forces the machine into the terminal state.
func (m *Machine) Close() {
	m.v.Store(int32(StateClosed))
}
