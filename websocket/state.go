package websocket

import "sync/atomic"

// connState is the connection's position in the CONNECTING → OPEN →
// CLOSING → CLOSED lifecycle (spec.md §4.E). Transitions are monotonic:
// a connection never returns to an earlier state (it may skip straight
// to CLOSED from CONNECTING or OPEN) and CLOSED is sticky, which is why
// readers can check the current state without a lock (spec.md §5 "Shared-resource policy").
type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "CONNECTING"
	case stateOpen:
		return "OPEN"
	case stateClosing:
		return "CLOSING"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// connStateMachine tracks connState with atomic monotonic transitions.
// It owns no other connection data; Conn embeds it and consults it before
// every read/write operation (spec.md §4.E "Legality rules per state").
type connStateMachine struct {
	state atomic.Int32
}

func newConnStateMachine() *connStateMachine {
	m := &connStateMachine{}
	m.state.Store(int32(stateConnecting))
	return m
}

func (m *connStateMachine) current() connState {
	return connState(m.state.Load())
}

// advance moves the state machine to next if doing so is a legal forward
// transition (never CLOSED→anything, never skipping backward). It
// reports whether the transition actually happened; a caller racing
// another goroutine to the same transition sees false and should treat
// it as a no-op, not an error.
func (m *connStateMachine) advance(next connState) bool {
	for {
		cur := connState(m.state.Load())
		if !legalTransition(cur, next) {
			return false
		}
		if m.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

func legalTransition(from, to connState) bool {
	switch from {
	case stateConnecting:
		return to == stateOpen || to == stateClosed
	case stateOpen:
		return to == stateClosing || to == stateClosed
	case stateClosing:
		return to == stateClosed
	case stateClosed:
		return false
	default:
		return false
	}
}

// checkOutboundData reports whether an outbound data frame (TEXT/BINARY/
// CONT) is legal right now. Control frames are always legal in OPEN and
// CLOSING; CLOSING rejects data frames with ErrStateTransition, and
// CONNECTING and CLOSED reject everything (spec.md §4.E).
func (m *connStateMachine) checkOutboundData() error {
	switch m.current() {
	case stateOpen:
		return nil
	case stateClosing:
		return ErrStateTransition
	case stateConnecting, stateClosed:
		return ErrClosed
	default:
		return ErrStateTransition
	}
}

func (m *connStateMachine) checkOutboundControl() error {
	switch m.current() {
	case stateOpen, stateClosing:
		return nil
	default:
		return ErrClosed
	}
}
