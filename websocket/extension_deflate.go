package websocket

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// deflateExtensionName is the Sec-WebSocket-Extensions token for
// permessage-deflate (RFC 7692).
const deflateExtensionName = "permessage-deflate"

// deflateTail is the 4-byte trailer RFC 7692 Section 7.2.1 says a
// compressor must omit from the final DEFLATE block and a decompressor
// must re-append before inflating.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff}

// DeflateFactory negotiates permessage-deflate (RFC 7692) using
// klauspost/compress/flate for both directions. no_context_takeover is
// honored if offered; window-bits parameters are accepted but not
// enforced since klauspost/compress/flate always implements the full
// 32KB window.
type DeflateFactory struct {
	// Level is the flate compression level passed to flate.NewWriter.
	// Zero means flate.DefaultCompression.
	Level int
}

func (f *DeflateFactory) Name() string { return deflateExtensionName }

func (f *DeflateFactory) Negotiate(offer ExtensionParams, _ []Extension) (ExtensionParams, Extension, bool) {
	_, noTakeoverClient := offer.Params["client_no_context_takeover"]
	_, noTakeoverServer := offer.Params["server_no_context_takeover"]

	resp := ExtensionParams{Name: deflateExtensionName, Params: map[string]string{}}
	if noTakeoverClient {
		resp.Params["client_no_context_takeover"] = ""
		resp.Order = append(resp.Order, "client_no_context_takeover")
	}
	if noTakeoverServer {
		resp.Params["server_no_context_takeover"] = ""
		resp.Order = append(resp.Order, "server_no_context_takeover")
	}

	level := f.Level
	if level == 0 {
		level = flate.DefaultCompression
	}
	ext := &deflateExtension{
		level:           level,
		noContextTakeover: noTakeoverClient || noTakeoverServer,
	}
	return resp, ext, true
}

// newDeflateExtensionFromParams builds a client-side deflate Extension
// from the server's accepted response parameters. isServer is always
// false here; the server side is always built via DeflateFactory.
func newDeflateExtensionFromParams(resp ExtensionParams, isServer bool) (Extension, error) {
	_ = isServer
	_, noTakeover := resp.Params["client_no_context_takeover"]
	if _, ok := resp.Params["server_no_context_takeover"]; ok {
		noTakeover = true
	}
	return &deflateExtension{level: flate.DefaultCompression, noContextTakeover: noTakeover}, nil
}

// deflateExtension implements per-message DEFLATE compression. RSV1
// marks a compressed message's first frame (RFC 7692 Section 7.2.3);
// continuation frames of the same message carry RSV1=0.
//
// The compression context (the deflate sliding window) spans every
// frame of a message and, absent no_context_takeover, every message on
// the connection: writer and reader are created once and reused frame
// to frame rather than reset, since resetting mid-message would throw
// away the back-references later frames' Huffman codes depend on. Each
// Encode/Decode call only reads out the bytes newly produced for that
// frame.
type deflateExtension struct {
	level             int
	noContextTakeover bool

	writer *flate.Writer
	outBuf bytes.Buffer

	reader io.ReadCloser
	inBuf  bytes.Buffer

	compressing   bool // true while a multi-frame outbound message is mid-compress
	decompressing bool // true while a multi-frame inbound message is mid-decompress
}

func (e *deflateExtension) Name() string { return deflateExtensionName }

// Decode inflates a frame whose RSV1 bit marks it (or whose preceding
// CONT chain started with RSV1) as compressed. Non-final frames already
// carry the sync-flush marker flate.Writer.Flush emits, so they feed
// the shared inflater as-is; the final frame's stripped deflateTail
// (RFC 7692 Section 7.2.1) is re-appended before inflating so the
// stream ends on a byte-aligned empty block.
func (e *deflateExtension) Decode(f *Frame, maxSize int64) (*Frame, error) {
	compressed := f.Rsv1 || e.decompressing
	if !compressed {
		return f, nil
	}
	f.Rsv1 = false

	if e.reader == nil {
		e.reader = flate.NewReader(&e.inBuf)
	}

	e.inBuf.Write(f.Payload)
	if f.Fin {
		e.inBuf.Write(deflateTail)
	}

	limit := maxSize
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	out, err := io.ReadAll(io.LimitReader(e.reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", ErrProtocolError, err)
	}
	if int64(len(out)) > limit {
		return nil, ErrPayloadTooBig
	}

	if f.Fin {
		e.decompressing = false
		if e.noContextTakeover {
			e.reader = nil
		}
	} else {
		e.decompressing = true
	}

	f.Payload = out
	return f, nil
}

// Encode deflates an outbound frame and sets RSV1 on the first frame of
// the message. Every frame is produced by Write followed by Flush (a
// sync flush, not a stream close), which leaves the compressor state
// intact for the next frame; only the last frame of the message has its
// trailing empty-block marker trimmed (RFC 7692 Section 7.2.1).
func (e *deflateExtension) Encode(f *Frame) (*Frame, error) {
	first := !e.compressing

	if e.writer == nil {
		var err error
		e.writer, err = flate.NewWriter(&e.outBuf, e.level)
		if err != nil {
			return nil, fmt.Errorf("new flate writer: %w", err)
		}
	}

	if _, err := e.writer.Write(f.Payload); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		return nil, fmt.Errorf("deflate flush: %w", err)
	}

	out := append([]byte(nil), e.outBuf.Bytes()...)
	e.outBuf.Reset()

	if f.Fin {
		out = bytes.TrimSuffix(out, deflateTail)
		e.compressing = false
		if e.noContextTakeover {
			e.writer = nil
		}
	} else {
		e.compressing = true
	}

	f.Payload = out
	if first {
		f.Rsv1 = true
	}

	return f, nil
}
