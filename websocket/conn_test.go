package websocket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// connPair wires a server-side and client-side Conn together over an
// in-memory net.Pipe, skipping the HTTP opening handshake so these
// tests focus purely on the coordinator's frame-level behavior.
// (Upgrade/Dial are exercised in handshake_integration_test.go.)
func connPair(t *testing.T, opts Options) (server, client *Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	server = newConn(serverConn, true, "", opts.Extensions, opts)
	client = newConn(clientConn, false, "", opts.Extensions, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.serve(ctx)
	go client.serve(ctx)

	return server, client
}

// TestConn_EchoRoundTrip covers spec.md §8 scenario 1: a client sends a
// text message and receives it back from an echoing server.
func TestConn_EchoRoundTrip(t *testing.T) {
	server, client := connPair(t, Options{})

	go func() {
		mt, data, ok, err := server.Recv(time.Second)
		if err != nil || !ok {
			return
		}
		_ = server.Send(mt, data)
	}()

	require.NoError(t, client.SendText("hello"))

	mt, data, ok, err := client.Recv(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TextMessage, mt)
	require.Equal(t, "hello", string(data))
}

// TestConn_FragmentedBinaryMessage covers spec.md §8 scenario 2: the
// assembler reassembles a CONT chain before it reaches Recv.
func TestConn_FragmentedBinaryMessage(t *testing.T) {
	server, client := connPair(t, Options{})

	go func() {
		_ = writeFrame(client.writer, &Frame{Fin: false, Opcode: opcodeBinary, Payload: []byte("abc")}, true, nil)
		_ = writeFrame(client.writer, &Frame{Fin: false, Opcode: opcodeContinuation, Payload: []byte("def")}, true, nil)
		_ = writeFrame(client.writer, &Frame{Fin: true, Opcode: opcodeContinuation, Payload: []byte("ghi")}, true, nil)
	}()

	mt, data, ok, err := server.Recv(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, BinaryMessage, mt)
	require.Equal(t, "abcdefghi", string(data))
}

// TestConn_PingDuringFragmentedMessage covers spec.md §8 scenario 3: a
// control frame interleaved mid-fragmentation is answered immediately and
// does not disturb the in-progress data message.
func TestConn_PingDuringFragmentedMessage(t *testing.T) {
	server, client := connPair(t, Options{})

	go func() {
		_ = writeFrame(client.writer, &Frame{Fin: false, Opcode: opcodeText, Payload: []byte("part ")}, true, nil)
		_ = client.writeControl(opcodePing, []byte("hb"))
		_ = writeFrame(client.writer, &Frame{Fin: true, Opcode: opcodeContinuation, Payload: []byte("one")}, true, nil)
	}()

	mt, data, ok, err := server.Recv(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TextMessage, mt)
	require.Equal(t, "part one", string(data))

	pong, _, ok, err := client.Recv(10 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok) // PONG never reaches Recv; it's consumed by matchPong
	_ = pong
}

// TestConn_OversizeMessageRejected covers spec.md §8 scenario 4.
func TestConn_OversizeMessageRejected(t *testing.T) {
	server, client := connPair(t, Options{MaxMessageSize: 8})

	go func() {
		_ = writeFrame(client.writer, &Frame{Fin: true, Opcode: opcodeBinary, Payload: make([]byte, 100)}, true, nil)
	}()

	_, _, _, err := server.Recv(time.Second)
	require.Error(t, err)
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, CloseMessageTooBig, ce.Code)
}

// TestConn_ProtocolErrorClosesConnection covers spec.md §8 scenario 5: an
// invalid opcode on the wire fails the connection with CloseProtocolError.
func TestConn_ProtocolErrorClosesConnection(t *testing.T) {
	server, client := connPair(t, Options{})

	go func() {
		client.writeMu.Lock()
		defer client.writeMu.Unlock()
		buf := []byte{0x8F, 0x80, 0, 0, 0, 0} // FIN + reserved opcode 0xF, masked, zero-length
		_, _ = client.netConn.Write(buf)
	}()

	_, _, _, err := server.Recv(time.Second)
	require.Error(t, err)
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, CloseProtocolError, ce.Code)
}

// TestConn_KeepaliveTimeoutFailsConnection covers spec.md §8 scenario 6:
// a PING that never gets a PONG fails the connection with 1011 once
// PingTimeout elapses.
func TestConn_KeepaliveTimeoutFailsConnection(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	opts := Options{PingInterval: 10 * time.Millisecond, PingTimeout: 10 * time.Millisecond}
	server := newConn(serverConn, true, "", nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.serve(ctx)

	// clientConn is never read from or written to beyond the raw pipe, so
	// every PING server sends goes unanswered.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := clientConn.Read(buf); err != nil {
				return
			}
		}
	}()

	_, _, _, err := server.Recv(2 * time.Second)
	require.Error(t, err)
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, CloseInternalServerErr, ce.Code)
}

// TestConn_KeepaliveTimeoutDetectedBeforeNextInterval covers the case
// TestConn_KeepaliveTimeoutFailsConnection's equal interval/timeout hides:
// with PingInterval much larger than PingTimeout, a stalled peer must
// still be detected around PingTimeout after the ping was sent, not at
// the next tick (spec.md §4.G). The first ping goes out one PingInterval
// after start, so the next tick is at 2×PingInterval.
func TestConn_KeepaliveTimeoutDetectedBeforeNextInterval(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	opts := Options{PingInterval: time.Second, PingTimeout: 50 * time.Millisecond}
	server := newConn(serverConn, true, "", nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.serve(ctx)

	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := clientConn.Read(buf); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	_, _, _, err := server.Recv(2 * time.Second)
	elapsed := time.Since(start)

	require.Error(t, err)
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, CloseInternalServerErr, ce.Code)
	require.Less(t, elapsed, 2*opts.PingInterval, "timeout must be detected before the next ping interval tick")
}

// TestConn_CloseHandshake covers the application-initiated close: Close
// sends a CLOSE frame, the peer echoes, and both sides reach CLOSED.
func TestConn_CloseHandshake(t *testing.T) {
	server, client := connPair(t, Options{})

	go func() {
		_, _, _, _ = server.Recv(time.Second) // drives server's readLoop so it answers the CLOSE
	}()

	err := client.Close(CloseNormalClosure, "bye")
	var ce *CloseError
	require.ErrorAs(t, err, &ce)
	require.True(t, IsNormalClosure(err))
	require.Equal(t, "bye", ce.Reason)
}

// TestConn_SendJSON covers the JSON convenience wrapper.
func TestConn_SendJSON(t *testing.T) {
	server, client := connPair(t, Options{})

	type payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, client.SendJSON(payload{Name: "ada"}))

	mt, data, ok, err := server.Recv(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TextMessage, mt)
	require.JSONEq(t, `{"name":"ada"}`, string(data))
}

// TestConn_StreamingIter covers Options.Streaming's Iter-only consumption
// path (spec.md §4.F).
func TestConn_StreamingIter(t *testing.T) {
	server, client := connPair(t, Options{Streaming: true})

	go func() {
		_ = writeFrame(client.writer, &Frame{Fin: false, Opcode: opcodeBinary, Payload: []byte("a")}, true, nil)
		_ = writeFrame(client.writer, &Frame{Fin: true, Opcode: opcodeContinuation, Payload: []byte("b")}, true, nil)
	}()

	ch, err := server.Iter()
	require.NoError(t, err)

	var got []byte
	for chunk := range ch {
		got = append(got, chunk...)
	}
	require.Equal(t, "ab", string(got))
}
