package websocket

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Default tunables (spec.md §4.G). All are overridable per Conn through
// Options.
const (
	defaultMaxMessageSize = 32 * 1024 * 1024
	defaultMaxQueue       = 16
	defaultPingInterval   = 30 * time.Second
	defaultPingTimeout    = 10 * time.Second
	defaultCloseTimeout   = 10 * time.Second
	defaultReadBufferSize = 4096
	defaultWriteBuffer    = 4096
)

// Options configures a Conn. The zero value is valid; every field falls
// back to the defaults above.
type Options struct {
	// MaxMessageSize bounds a single frame's payload length; 0 selects
	// defaultMaxMessageSize (32 MiB) and a negative value disables the
	// frame-length check. Exceeding it fails the connection with
	// CloseMessageTooBig.
	MaxMessageSize int64

	// MaxQueue bounds how many complete messages Recv may buffer ahead of
	// the application; once full, the reader stops pulling frames off
	// the wire (spec.md §4.G "Backpressure").
	MaxQueue int

	// PingInterval is how often the coordinator sends a keepalive PING
	// while OPEN. 0 selects defaultPingInterval (30s); a negative value
	// disables keepalive.
	PingInterval time.Duration
	// PingTimeout is how long a PING may go unanswered before the
	// connection is failed with CloseInternalServerErr (1011).
	PingTimeout time.Duration
	// CloseTimeout bounds how long the closing handshake waits for the
	// peer's CLOSE frame / TCP FIN before the socket is forced shut.
	CloseTimeout time.Duration

	// Extensions is not read by Upgrade or Dial: a Conn they build applies
	// the extensions negotiated during the handshake instead (Encode in
	// negotiation order, Decode in reverse).
	Extensions []Extension

	// Streaming, when true, disables the buffering Recv/receive-queue
	// path in favor of Iter-only consumption (spec.md §4.F "Streaming
	// mode"): exactly one of Recv or Iter may be used for the life of the
	// connection.
	Streaming bool

	ReadBufferSize  int
	WriteBufferSize int

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.MaxQueue == 0 {
		o.MaxQueue = defaultMaxQueue
	}
	if o.PingInterval == 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = defaultPingTimeout
	}
	if o.CloseTimeout == 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
	if o.ReadBufferSize == 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = defaultWriteBuffer
	}
	return o
}

// ServerOptions configures Upgrade (spec.md §4.D server side).
type ServerOptions struct {
	Options

	// Subprotocols are the subprotocols this server supports, in
	// preference order (used by SelectSubprotocol's default tie-break).
	Subprotocols []string
	// SelectSubprotocol overrides the default sum-of-indices tie-break
	// (spec.md §9 Open Question (c)).
	SelectSubprotocol SubprotocolSelector
	// ExtensionFactories negotiates each client-offered extension in
	// order (spec.md §4.D).
	ExtensionFactories []ExtensionFactory
	// CheckOrigin validates the Origin header; nil selects checkSameOrigin,
	// which accepts a missing Origin or one matching the request's own
	// scheme and host.
	CheckOrigin func(*http.Request) bool
}

// ClientOptions configures Dial (spec.md §4.D client side).
type ClientOptions struct {
	Options

	Origin             string
	Subprotocols       []string
	ExtensionOffers    []ExtensionParams
	Header             http.Header
	HandshakeTimeout   time.Duration
}
