package websocket

import (
	"context"
	"fmt"
	"net"
	"net/http"
)

// Upgrade performs the server side of the RFC 6455 Section 4.2 opening
// handshake over an HTTP hijacking-capable connection and returns a
// live, OPEN Conn. opts may be nil, in which case zero-value
// ServerOptions (i.e. all defaults, no subprotocols, same-origin check)
// apply.
//
// Upgrade writes the 101 response itself; callers must not write to w
// before calling it, nor after it returns a Conn. When it returns an
// error before hijacking, w is still usable for an HTTP error reply.
func Upgrade(w http.ResponseWriter, r *http.Request, opts *ServerOptions) (*Conn, error) {
	var so ServerOptions
	if opts != nil {
		so = *opts
	}
	so.Options = so.Options.withDefaults()
	checkOrigin := so.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}

	key, err := validateUpgradeRequest(r)
	if err != nil {
		return nil, err
	}
	if !checkOrigin(r) {
		return nil, ErrInvalidOrigin
	}

	offers := parseExtensionHeader(r.Header.Get("Sec-WebSocket-Extensions"))
	extensions, responses := negotiateExtensions(offers, so.ExtensionFactories)

	clientProtocols := parseSubprotocolHeader(r.Header.Get("Sec-WebSocket-Protocol"))
	selector := so.SelectSubprotocol
	if selector == nil {
		selector = defaultSelectSubprotocol
	}
	subprotocol := selector(clientProtocols, so.Subprotocols)
	if len(so.Subprotocols) > 0 && len(clientProtocols) > 0 && subprotocol == "" {
		// The server only speaks a fixed set of subprotocols and the client
		// offered none of them: RFC 6455 Section 4.2.2 leaves proceeding
		// without a subprotocol to the application, but a server that
		// declares Subprotocols at all is declaring it needs one.
		return nil, ErrNegotiationFailed
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackUnsupported
	}
	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijack connection: %w", err)
	}

	if err := writeUpgradeResponse(netConn, key, subprotocol, responses); err != nil {
		_ = netConn.Close()
		return nil, err
	}
	// Replay any bytes Hijack's reader already buffered ahead of the
	// bufio.Reader in newConn, which takes ownership of the socket.
	if bufrw != nil && bufrw.Reader.Buffered() > 0 {
		leftover := make([]byte, bufrw.Reader.Buffered())
		_, _ = bufrw.Reader.Read(leftover)
		netConn = &prefixedConn{Conn: netConn, prefix: leftover}
	}

	so.Logger = so.Logger.With().Str("remote_addr", netConn.RemoteAddr().String()).Logger()
	conn := newConn(netConn, true, subprotocol, extensions, so.Options)
	go conn.serve(context.Background())
	return conn, nil
}

// writeUpgradeResponse writes the literal 101 Switching Protocols
// response bytes directly to the hijacked socket; after Hijack, w is no
// longer usable for writing the reply (net/http's documented contract).
func writeUpgradeResponse(netConn net.Conn, key, subprotocol string, extensionResponses []ExtensionParams) error {
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n"
	if subprotocol != "" {
		resp += "Sec-WebSocket-Protocol: " + subprotocol + "\r\n"
	}
	if len(extensionResponses) > 0 {
		resp += "Sec-WebSocket-Extensions: " + formatExtensionHeader(extensionResponses) + "\r\n"
	}
	resp += "\r\n"

	if _, err := netConn.Write([]byte(resp)); err != nil {
		return fmt.Errorf("write upgrade response: %w", err)
	}
	return nil
}

// prefixedConn replays buffered bytes Hijack already pulled off the wire
// before any frame reading begins.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
