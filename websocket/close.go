package websocket

import (
	"encoding/binary"
	"unicode/utf8"
)

// maxCloseReasonBytes is 125 (max control payload) minus the 2-byte code.
const maxCloseReasonBytes = maxControlPayload - 2

// parseClosePayload decodes the body of a CLOSE frame (RFC 6455 Section
// 5.5.1, §3 of the spec). An empty payload decodes to the
// (CloseNoStatusReceived, "") sentinel pair, since the peer sent no code.
// A payload of length 1 is malformed: too short to carry a code. Codes
// reserved for local use (1005, 1006, 1015) must never appear on the
// wire and are rejected, as is anything outside 1000..4999. The
// remainder of the payload is the reason, which must be valid UTF-8.
func parseClosePayload(data []byte) (CloseCode, string, error) {
	if len(data) == 0 {
		return CloseNoStatusReceived, "", nil
	}
	if len(data) == 1 {
		return 0, "", ErrMalformedClose
	}

	code := CloseCode(binary.BigEndian.Uint16(data[:2]))
	if !validCloseCode(code) {
		return 0, "", ErrInvalidCloseCode
	}

	reason := data[2:]
	if !utf8.Valid(reason) {
		return 0, "", ErrInvalidUTF8
	}

	return code, string(reason), nil
}

// serializeClosePayload builds the body of a CLOSE frame. code must be a
// valid on-the-wire code and reason's UTF-8 encoding must fit in
// maxCloseReasonBytes; serializeClosePayload(0, "") (the no-code case) is
// signaled by passing code == CloseNoStatusReceived, which returns an
// empty payload instead of embedding the sentinel.
func serializeClosePayload(code CloseCode, reason string) ([]byte, error) {
	if code == CloseNoStatusReceived && reason == "" {
		return nil, nil
	}
	if !validCloseCode(code) {
		return nil, ErrInvalidCloseCode
	}
	if len(reason) > maxCloseReasonBytes {
		return nil, ErrCloseReasonTooLong
	}
	if !utf8.ValidString(reason) {
		return nil, ErrInvalidUTF8
	}

	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return payload, nil
}
