package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Conn is a single WebSocket connection: the coordinator of spec.md
// §4.G. It owns the transport, the frame codec parameters, the
// assembler, the write-serialization mutex, and the keepalive/close
// timers. Applications see only Recv/Send/Ping/Close/Iter — the
// reader/writer/keepalive goroutines and the state machine are internal.
type Conn struct {
	netConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer

	isServer    bool
	extensions  []Extension
	subprotocol string
	opts        Options
	log         zerolog.Logger

	state     *connStateMachine
	assembler *Assembler

	writeMu sync.Mutex

	recvQueue chan inboundMessage // nil when opts.Streaming

	pingMu       sync.Mutex
	pendingPings []pendingPing

	closeOnce   sync.Once
	closeDoneCh chan struct{}
	closeMu     sync.Mutex
	closeCode   CloseCode
	closeReason string
	closeWire   bool

	cancel context.CancelFunc
}

type inboundMessage struct {
	mt   MessageType
	data []byte
	err  error
}

type pendingPing struct {
	nonce    [4]byte
	deadline time.Time
}

// newConn builds a Conn around an already-handshaken transport. isServer
// picks the masking direction (server frames are never masked, client
// frames always are). Callers (Upgrade, Dial) are responsible for
// running the opening handshake before calling this.
func newConn(netConn net.Conn, isServer bool, subprotocol string, extensions []Extension, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		netConn:     netConn,
		reader:      bufio.NewReaderSize(netConn, opts.ReadBufferSize),
		writer:      bufio.NewWriterSize(netConn, opts.WriteBufferSize),
		isServer:    isServer,
		extensions:  extensions,
		subprotocol: subprotocol,
		opts:        opts,
		log:         opts.Logger,
		state:       newConnStateMachine(),
		assembler:   NewAssembler(),
		closeDoneCh: make(chan struct{}),
	}
	if !opts.Streaming {
		c.recvQueue = make(chan inboundMessage, opts.MaxQueue)
	}
	return c
}

// serve starts the coordinator's goroutines and returns once the
// connection has reached CLOSED. Upgrade/Dial call this in a new
// goroutine right after construction.
func (c *Conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.state.advance(stateOpen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Once the reader stops no further message can complete: release
		// deliverLoop (blocked in assembler.Get) and stop keepaliveLoop.
		defer c.assembler.Close()
		defer cancel()
		return c.readLoop()
	})
	if !c.opts.Streaming {
		g.Go(func() error { return c.deliverLoop(gctx) })
	}
	if c.opts.PingInterval > 0 {
		g.Go(func() error { return c.keepaliveLoop(gctx) })
	}

	err := g.Wait()
	c.finish(err)
}

// readLoop is the sole frame producer: it owns c.reader and is the only
// goroutine that calls readFrame (spec.md §5 "exactly one producer").
func (c *Conn) readLoop() error {
	for {
		f, err := readFrame(c.reader, c.isServer, c.opts.MaxMessageSize, c.extensions)
		if err != nil {
			return c.handleReadError(err)
		}

		switch f.Opcode {
		case opcodePing:
			if err := c.writeControl(opcodePong, f.Payload); err != nil {
				return err
			}
		case opcodePong:
			c.matchPong(f.Payload)
		case opcodeClose:
			if done := c.handlePeerClose(f.Payload); done {
				return nil
			}
		default:
			if c.state.current() == stateClosing {
				// Inbound data frames are dropped while CLOSING; the peer
				// may not have observed our close yet (spec.md §4.E).
				continue
			}
			if err := c.assembler.Put(f); err != nil {
				code := CloseProtocolError
				if errors.Is(err, ErrInvalidUTF8) {
					code = CloseInvalidFramePayloadData
				}
				_ = c.failConnection(code, "")
				return err
			}
		}
	}
}

func (c *Conn) handleReadError(err error) error {
	if c.state.current() == stateClosed {
		return err // already torn down elsewhere; keep the close code recorded there
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if c.state.current() == stateClosing {
			return nil // expected: peer's TCP FIN after the close exchange
		}
		return err // abnormal: EOF while still OPEN
	}
	switch {
	case errors.Is(err, ErrPayloadTooBig):
		_ = c.failConnection(CloseMessageTooBig, "")
	case errors.Is(err, ErrInvalidUTF8):
		_ = c.failConnection(CloseInvalidFramePayloadData, "")
	default:
		_ = c.failConnection(CloseProtocolError, "")
	}
	return err
}

// handlePeerClose processes an inbound CLOSE frame per spec.md §4.E/§4.G.
// It reports true when the read loop should stop (the closing handshake
// is now complete from this side's perspective).
func (c *Conn) handlePeerClose(payload []byte) bool {
	code, reason, parseErr := parseClosePayload(payload)
	if parseErr != nil {
		code, reason = CloseProtocolError, ""
	}

	switch c.state.current() {
	case stateOpen:
		c.state.advance(stateClosing)
		c.recordClose(code, reason, true)
		echoCode := code
		if echoCode == CloseNoStatusReceived {
			echoCode = CloseNormalClosure
		}
		_ = c.sendCloseFrame(echoCode, reason)
		_ = c.netConn.SetReadDeadline(time.Now().Add(c.opts.CloseTimeout))
		return false
	case stateClosing:
		c.recordClose(code, reason, true)
		c.state.advance(stateClosed)
		return true
	default:
		return true
	}
}

// deliverLoop pumps complete messages from the assembler into the
// bounded recvQueue. A full recvQueue blocks this goroutine, which in
// turn leaves the assembler's message_fetched event unset, which blocks
// the producer (readLoop, via assembler.Put) from returning — this is
// how the configured MaxQueue throttles the TCP reader (spec.md §4.G
// "Backpressure").
func (c *Conn) deliverLoop(ctx context.Context) error {
	for {
		mt, data, err := c.assembler.Get()
		if err != nil {
			if errors.Is(err, ErrEOF) {
				return nil
			}
			return err
		}
		select {
		case c.recvQueue <- inboundMessage{mt: mt, data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

// keepaliveLoop sends a PING every PingInterval and fails the connection
// with code 1011 the instant the oldest outstanding ping's own deadline
// elapses (spec.md §4.G), rather than waiting for the next tick. The
// deadline timer is independent of the ticker and is re-armed every time
// it fires or a new ping is sent, always against whatever ping is
// currently oldest.
func (c *Conn) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	deadlineTimer := time.NewTimer(c.opts.PingInterval)
	defer deadlineTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			nonce, err := newNonce()
			if err != nil {
				continue
			}
			c.pingMu.Lock()
			c.pendingPings = append(c.pendingPings, pendingPing{
				nonce:    nonce,
				deadline: time.Now().Add(c.opts.PingTimeout),
			})
			c.pingMu.Unlock()

			if err := c.writeControl(opcodePing, nonce[:]); err != nil {
				return err
			}
			resetTimer(deadlineTimer, c.nextPingDeadline())
		case <-deadlineTimer.C:
			if c.pingExpired() {
				return c.failConnection(CloseInternalServerErr, "keepalive timeout")
			}
			resetTimer(deadlineTimer, c.nextPingDeadline())
		}
	}
}

// nextPingDeadline returns how long until the oldest outstanding ping's
// deadline, or PingInterval if none is outstanding (an arbitrary wait
// that just gets re-armed on the next tick or pong).
func (c *Conn) nextPingDeadline() time.Duration {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	if len(c.pendingPings) == 0 {
		return c.opts.PingInterval
	}
	if d := time.Until(c.pendingPings[0].deadline); d > 0 {
		return d
	}
	return time.Millisecond
}

// pingExpired reports whether the oldest outstanding ping's deadline has
// already elapsed.
func (c *Conn) pingExpired() bool {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	if len(c.pendingPings) == 0 {
		return false
	}
	return time.Now().After(c.pendingPings[0].deadline)
}

// resetTimer re-arms t to fire after d, draining a pending (already
// fired but unread) tick first so Reset behaves as documented.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// matchPong fulfills the oldest outstanding ping whose nonce matches
// payload. RFC 6455 doesn't require strict in-order matching and this
// package tolerates unmatched/unsolicited PONGs rather than treating them
// as errors (spec.md §9 Open Question (a)).
func (c *Conn) matchPong(payload []byte) {
	if len(payload) != 4 {
		return
	}
	var nonce [4]byte
	copy(nonce[:], payload)

	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	for i, p := range c.pendingPings {
		if p.nonce == nonce {
			c.pendingPings = append(c.pendingPings[:i], c.pendingPings[i+1:]...)
			return
		}
	}
}

func newNonce() ([4]byte, error) {
	var n [4]byte
	_, err := rand.Read(n[:])
	return n, err
}

// writeControl sends a single control frame (PING/PONG/CLOSE handled by
// sendCloseFrame instead), serialized under writeMu like every other
// write.
func (c *Conn) writeControl(opcode byte, payload []byte) error {
	if err := c.state.checkOutboundControl(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.writer, &Frame{Fin: true, Opcode: opcode, Payload: payload}, !c.isServer, c.extensions)
}

// Recv returns the next complete message, blocking until one arrives,
// the timeout elapses (ok=false, no error), or the connection closes. It
// is only valid when the Conn was built without Options.Streaming.
func (c *Conn) Recv(timeout time.Duration) (mt MessageType, data []byte, ok bool, err error) {
	if c.recvQueue == nil {
		return 0, nil, false, fmt.Errorf("websocket: Recv unavailable in streaming mode")
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case m, open := <-c.recvQueue:
		if !open {
			return 0, nil, false, c.terminalError()
		}
		return m.mt, m.data, true, nil
	case <-timeoutCh:
		return 0, nil, false, nil
	case <-c.closeDoneCh:
		select {
		case m := <-c.recvQueue:
			return m.mt, m.data, true, nil
		default:
		}
		return 0, nil, false, c.terminalError()
	}
}

// Iter streams the current (or next) message's chunks, switching the
// assembler to streaming mode (spec.md §4.F). Only valid when the Conn
// was built with Options.Streaming.
func (c *Conn) Iter() (<-chan []byte, error) {
	if c.recvQueue != nil {
		return nil, fmt.Errorf("websocket: Iter unavailable unless Options.Streaming is set")
	}
	return c.assembler.Iter()
}

// Send writes a single-frame data message. Text payloads must be valid
// UTF-8.
func (c *Conn) Send(mt MessageType, data []byte) error {
	if err := c.state.checkOutboundData(); err != nil {
		return err
	}
	if mt != TextMessage && mt != BinaryMessage {
		return ErrInvalidMessageType
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.writer, &Frame{Fin: true, Opcode: mt.opcode(), Payload: data}, !c.isServer, c.extensions)
}

func (c *Conn) SendText(text string) error { return c.Send(TextMessage, []byte(text)) }

// SendJSON marshals v and sends it as a text message.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return c.Send(TextMessage, data)
}

// Ping sends a PING with up to 125 bytes of application data; the peer
// should echo it in a PONG.
func (c *Conn) Ping(data []byte) error {
	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}
	return c.writeControl(opcodePing, data)
}

// Pong sends an unsolicited PONG (the read loop already answers PINGs
// automatically; this is for heartbeats the application drives itself).
func (c *Conn) Pong(data []byte) error {
	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}
	return c.writeControl(opcodePong, data)
}

// sendCloseFrame writes a CLOSE frame with the given code/reason,
// ignoring ErrClosed races from a concurrent shutdown.
func (c *Conn) sendCloseFrame(code CloseCode, reason string) error {
	payload, err := serializeClosePayload(code, reason)
	if err != nil {
		payload, _ = serializeClosePayload(CloseProtocolError, "")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.writer, &Frame{Fin: true, Opcode: opcodeClose, Payload: payload}, !c.isServer, c.extensions)
}

// Close performs the application-initiated closing handshake
// (spec.md §4.G "send_close"): it is idempotent, and a second call joins
// the first's completion. It returns once the connection reaches CLOSED
// or 4×CloseTimeout elapses, whichever is first; in the latter case the
// socket is force-closed and the close is recorded as abnormal (1006).
func (c *Conn) Close(code CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		if c.state.advance(stateClosing) {
			c.recordClose(code, reason, false)
			_ = c.sendCloseFrame(code, reason)
			_ = c.netConn.SetReadDeadline(time.Now().Add(c.opts.CloseTimeout))
		}
	})

	select {
	case <-c.closeDoneCh:
	case <-time.After(4 * c.opts.CloseTimeout):
		c.forceClose(CloseAbnormalClosure, "close timeout", false)
	}
	return c.terminalError()
}

// failConnection fails the connection immediately with code/reason: it
// sends a best-effort CLOSE, then force-closes the socket. Used for
// protocol violations and internal errors (spec.md §7 "Propagation
// policy").
func (c *Conn) failConnection(code CloseCode, reason string) error {
	_ = c.sendCloseFrame(code, reason)
	c.forceClose(code, reason, false)
	if c.cancel != nil {
		c.cancel()
	}
	return c.terminalError()
}

func (c *Conn) forceClose(code CloseCode, reason string, wire bool) {
	c.recordClose(code, reason, wire)
	c.state.advance(stateClosed)
	_ = c.netConn.Close()
}

// finish runs once serve's goroutine group returns, recording a final
// abnormal closure if nothing else already did, and releasing every
// blocked Recv/Send/Put/Get.
func (c *Conn) finish(loopErr error) {
	c.closeMu.Lock()
	hasCode := c.closeWire || c.closeCode != 0
	c.closeMu.Unlock()
	if !hasCode {
		reason := ""
		if loopErr != nil {
			reason = loopErr.Error()
		}
		c.recordClose(CloseAbnormalClosure, reason, false)
	}
	c.state.advance(stateClosed)
	_ = c.netConn.Close()
	c.assembler.Close()
	if c.recvQueue != nil {
		close(c.recvQueue)
	}
	close(c.closeDoneCh)
}

func (c *Conn) recordClose(code CloseCode, reason string, wire bool) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeCode != 0 && c.closeWire {
		return // first wire-observed code wins
	}
	c.closeCode, c.closeReason, c.closeWire = code, reason, wire
}

func (c *Conn) terminalError() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	code, reason, wire := c.closeCode, c.closeReason, c.closeWire
	if code == 0 {
		code = CloseAbnormalClosure
	}
	return &CloseError{Code: code, Reason: reason, Wire: wire}
}

// Subprotocol returns the negotiated subprotocol, or "" if none.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// IsServer reports whether this Conn is the server side of the handshake.
func (c *Conn) IsServer() bool { return c.isServer }
