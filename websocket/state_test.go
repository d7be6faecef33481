package websocket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnStateMachine_LegalPath(t *testing.T) {
	m := newConnStateMachine()
	require.Equal(t, stateConnecting, m.current())

	require.True(t, m.advance(stateOpen))
	require.Equal(t, stateOpen, m.current())

	require.True(t, m.advance(stateClosing))
	require.True(t, m.advance(stateClosed))
	require.Equal(t, stateClosed, m.current())
}

func TestConnStateMachine_NoBackwardOrSkip(t *testing.T) {
	m := newConnStateMachine()
	require.False(t, m.advance(stateClosing)) // can't skip OPEN
	require.True(t, m.advance(stateOpen))
	require.False(t, m.advance(stateConnecting)) // no backward transition

	require.True(t, m.advance(stateClosed)) // OPEN -> CLOSED directly (abrupt close) is legal
	require.False(t, m.advance(stateOpen))  // CLOSED is sticky
}

func TestConnStateMachine_CheckOutbound(t *testing.T) {
	m := newConnStateMachine()
	require.ErrorIs(t, m.checkOutboundData(), ErrClosed) // CONNECTING

	m.advance(stateOpen)
	require.NoError(t, m.checkOutboundData())
	require.NoError(t, m.checkOutboundControl())

	m.advance(stateClosing)
	require.ErrorIs(t, m.checkOutboundData(), ErrStateTransition)
	require.NoError(t, m.checkOutboundControl())

	m.advance(stateClosed)
	require.ErrorIs(t, m.checkOutboundData(), ErrClosed)
	require.ErrorIs(t, m.checkOutboundControl(), ErrClosed)
}
