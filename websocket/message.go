package websocket

// MessageType identifies whether a message's payload is UTF-8 text or
// arbitrary binary data (RFC 6455 Section 5.6). It is the value used on
// the wire to pick between opcodeText and opcodeBinary for the first
// frame of a message.
type MessageType int

const (
	// TextMessage is a UTF-8 text message (opcode 0x1).
	TextMessage MessageType = 1
	// BinaryMessage is an arbitrary binary message (opcode 0x2).
	BinaryMessage MessageType = 2
)

func (mt MessageType) String() string {
	switch mt {
	case TextMessage:
		return "Text"
	case BinaryMessage:
		return "Binary"
	default:
		return "Unknown"
	}
}

func (mt MessageType) opcode() byte {
	if mt == TextMessage {
		return opcodeText
	}
	return opcodeBinary
}

// CloseCode is a WebSocket close status code (RFC 6455 Section 7.4).
type CloseCode uint16

const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005 // never sent on the wire
	CloseAbnormalClosure         CloseCode = 1006 // never sent on the wire
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
	CloseServiceRestart          CloseCode = 1012
	CloseTryAgainLater           CloseCode = 1013
	CloseTLSHandshake            CloseCode = 1015 // never sent on the wire
)

// reservedOnWire are the codes RFC 6455 Section 7.4.1 reserves for local
// use; a peer must never receive them inside an actual CLOSE frame.
var reservedOnWire = map[CloseCode]bool{
	CloseNoStatusReceived: true,
	CloseAbnormalClosure:  true,
	CloseTLSHandshake:     true,
}

//nolint:cyclop // one case per RFC 6455 close code, no simpler form
func (cc CloseCode) String() string {
	switch cc {
	case CloseNormalClosure:
		return "normal closure"
	case CloseGoingAway:
		return "going away"
	case CloseProtocolError:
		return "protocol error"
	case CloseUnsupportedData:
		return "unsupported data"
	case CloseNoStatusReceived:
		return "no status received"
	case CloseAbnormalClosure:
		return "abnormal closure"
	case CloseInvalidFramePayloadData:
		return "invalid frame payload data"
	case ClosePolicyViolation:
		return "policy violation"
	case CloseMessageTooBig:
		return "message too big"
	case CloseMandatoryExtension:
		return "mandatory extension"
	case CloseInternalServerErr:
		return "internal server error"
	case CloseServiceRestart:
		return "service restart"
	case CloseTryAgainLater:
		return "try again later"
	case CloseTLSHandshake:
		return "TLS handshake"
	default:
		return "unknown"
	}
}

// validCloseCode reports whether code is legal inside a CLOSE frame on
// the wire: 1000..4999, excluding the reserved sentinels.
func validCloseCode(code CloseCode) bool {
	if code < 1000 || code > 4999 {
		return false
	}
	return !reservedOnWire[code]
}
