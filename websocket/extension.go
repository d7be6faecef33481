package websocket

import (
	"sort"
	"strconv"
	"strings"
)

// ExtensionParams is one offered or accepted extension's name plus its
// parameter list, as carried in a Sec-WebSocket-Extensions header token
// (RFC 6455 Section 9): `name; param1; param2=value`.
type ExtensionParams struct {
	Name   string
	Params map[string]string
	// Order preserves the parameter order for re-serialization; Params
	// alone would lose it.
	Order []string
}

// Extension is the per-frame transform capability negotiated extensions
// implement (spec.md §6 "Extension ABI"). An extension occupies the
// reserved header bits it claimed during negotiation and may rewrite
// opcode or payload; the frame codec applies Decode in the reverse of
// negotiation order and Encode in forward order.
type Extension interface {
	// Name is the Sec-WebSocket-Extensions token this extension answers
	// to, e.g. "permessage-deflate".
	Name() string
	// Decode transforms an inbound frame after unmasking, before the
	// frame reaches the connection state machine. maxSize bounds the
	// decompressed size; exceeding it is ErrPayloadTooBig. The
	// permessage-deflate extension treats maxSize <= 0 as
	// defaultMaxMessageSize.
	Decode(f *Frame, maxSize int64) (*Frame, error)
	// Encode transforms an outbound frame before masking.
	Encode(f *Frame) (*Frame, error)
}

// ExtensionFactory negotiates one extension on the server side. Walking
// the client's offered extensions in order, the negotiator tries each
// factory whose Name matches; the first to accept wins and its instance
// is appended to the in-progress accepted list, which later factories in
// the same walk can see (RFC 6455 Section 9.1, legacy/server.py
// process_extensions).
type ExtensionFactory interface {
	Name() string
	// Negotiate inspects one client offer (and the extensions already
	// accepted earlier in the walk) and either accepts it — returning the
	// response parameters and a live Extension instance — or declines.
	Negotiate(offer ExtensionParams, accepted []Extension) (response ExtensionParams, ext Extension, ok bool)
}

// negotiateExtensions walks clientOffers in order; for each, it tries
// every factory in factories whose name matches and keeps the first
// acceptance. No reordering relative to the client's offer list. Returns
// the accepted extensions (in offer order) and their response params for
// the Sec-WebSocket-Extensions response header.
func negotiateExtensions(clientOffers []ExtensionParams, factories []ExtensionFactory) ([]Extension, []ExtensionParams) {
	var accepted []Extension
	var responses []ExtensionParams

	for _, offer := range clientOffers {
		for _, factory := range factories {
			if factory.Name() != offer.Name {
				continue
			}
			resp, ext, ok := factory.Negotiate(offer, accepted)
			if !ok {
				continue
			}
			accepted = append(accepted, ext)
			responses = append(responses, resp)
			break
		}
	}

	return accepted, responses
}

// parseExtensionHeader parses a Sec-WebSocket-Extensions header value
// into its offered extensions, preserving order.
func parseExtensionHeader(header string) []ExtensionParams {
	var out []ExtensionParams
	if header == "" {
		return out
	}

	for _, token := range strings.Split(header, ",") {
		parts := strings.Split(token, ";")
		name := strings.TrimSpace(parts[0])
		if name == "" {
			continue
		}
		params := ExtensionParams{Name: name, Params: map[string]string{}}
		for _, p := range parts[1:] {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if eq := strings.IndexByte(p, '='); eq >= 0 {
				key := strings.TrimSpace(p[:eq])
				val := strings.Trim(strings.TrimSpace(p[eq+1:]), `"`)
				params.Params[key] = val
				params.Order = append(params.Order, key)
			} else {
				params.Params[p] = ""
				params.Order = append(params.Order, p)
			}
		}
		out = append(out, params)
	}

	return out
}

// formatExtensionHeader serializes accepted extension responses back
// into a single Sec-WebSocket-Extensions header value.
func formatExtensionHeader(responses []ExtensionParams) string {
	tokens := make([]string, 0, len(responses))
	for _, r := range responses {
		var b strings.Builder
		b.WriteString(r.Name)
		for _, key := range r.Order {
			b.WriteString("; ")
			b.WriteString(key)
			if v := r.Params[key]; v != "" {
				b.WriteByte('=')
				if needsQuoting(v) {
					b.WriteByte('"')
					b.WriteString(v)
					b.WriteByte('"')
				} else {
					b.WriteString(v)
				}
			}
		}
		tokens = append(tokens, b.String())
	}
	return strings.Join(tokens, ", ")
}

func needsQuoting(v string) bool {
	if _, err := strconv.Atoi(v); err == nil {
		return false
	}
	return true
}

// sortExtensionNames returns a sorted copy of names, for deterministic
// iteration over a name set; names itself is left unchanged.
func sortExtensionNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
