package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Dial performs the client side of the RFC 6455 Section 4.1 opening
// handshake against urlStr (ws:// or wss://) and returns a live, OPEN
// Conn. opts may be nil for all-defaults behavior.
func Dial(ctx context.Context, urlStr string, opts *ClientOptions) (*Conn, error) {
	var co ClientOptions
	if opts != nil {
		co = *opts
	}
	co.Options = co.Options.withDefaults()
	if co.HandshakeTimeout == 0 {
		co.HandshakeTimeout = defaultCloseTimeout
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	hostport, tlsConfig, err := dialTarget(u)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, co.HandshakeTimeout)
	defer cancel()

	var d net.Dialer
	netConn, err := d.DialContext(dialCtx, "tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", hostport, err)
	}
	if tlsConfig != nil {
		tlsConn := tls.Client(netConn, tlsConfig)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = netConn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		netConn = tlsConn
	}

	req := &http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Path: requestPath(u)},
		Header: make(http.Header),
		Host:   u.Host,
	}
	if co.Header != nil {
		req.Header = co.Header.Clone()
	}
	clientReq, err := buildClientRequest(req, co.Origin, co.Subprotocols, co.ExtensionOffers)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	req.Header.Set("Host", u.Host)

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	if err := req.Write(netConn); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("write handshake request: %w", err)
	}

	br := bufio.NewReader(netConn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	defer resp.Body.Close()

	subprotocol, extensionResponses, err := validateServerResponse(resp, clientReq)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})

	extensions := instantiateClientExtensions(co.ExtensionOffers, extensionResponses)

	if br.Buffered() > 0 {
		leftover := make([]byte, br.Buffered())
		_, _ = br.Read(leftover)
		netConn = &prefixedConn{Conn: netConn, prefix: leftover}
	}

	conn := newConn(netConn, false, subprotocol, extensions, co.Options)
	go conn.serve(context.Background())
	return conn, nil
}

// instantiateClientExtensions maps the server's accepted-extension
// response list back onto the offers this package itself knows how to
// instantiate (currently permessage-deflate). Any response naming an
// extension the client has no local factory for is ignored rather than
// failing the handshake, matching RFC 6455 Section 9's "client MUST
// ignore extensions it does not understand".
func instantiateClientExtensions(offers, responses []ExtensionParams) []Extension {
	var out []Extension
	for _, resp := range responses {
		if resp.Name != deflateExtensionName {
			continue
		}
		ext, err := newDeflateExtensionFromParams(resp, false)
		if err != nil {
			continue
		}
		out = append(out, ext)
	}
	_ = offers
	return out
}

func requestPath(u *url.URL) string {
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// dialTarget maps a ws/wss URL to a host:port TCP target and, for wss,
// a *tls.Config to use.
func dialTarget(u *url.URL) (hostport string, tlsConfig *tls.Config, err error) {
	host := u.Hostname()
	port := u.Port()

	switch u.Scheme {
	case "ws":
		if port == "" {
			port = "80"
		}
		return net.JoinHostPort(host, port), nil, nil
	case "wss":
		if port == "" {
			port = "443"
		}
		return net.JoinHostPort(host, port), &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}, nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidHandshake, u.Scheme)
	}
}
