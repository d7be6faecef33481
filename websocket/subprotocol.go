package websocket

import (
	"sort"
	"strings"
)

// SubprotocolSelector picks one subprotocol the client and server both
// support, or "" if none should be used. Passing a custom selector via
// ServerOptions.SelectSubprotocol overrides the default tie-break (spec.md §9
// Open Question (c): the source's sum-of-indices rule is documented but
// rarely wanted, so it's exposed as a pluggable function rather than
// hardcoded).
type SubprotocolSelector func(clientOffered, serverSupported []string) string

// defaultSelectSubprotocol intersects clientOffered and serverSupported
// and, among the overlap, picks the one with the lowest sum of its index
// in each list — the tie-break legacy/server.py's select_subprotocol
// uses. Returns "" if there's no overlap.
func defaultSelectSubprotocol(clientOffered, serverSupported []string) string {
	serverIndex := make(map[string]int, len(serverSupported))
	for i, p := range serverSupported {
		serverIndex[p] = i
	}

	type candidate struct {
		name     string
		priority int
	}
	var candidates []candidate
	for i, p := range clientOffered {
		si, ok := serverIndex[p]
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{name: p, priority: i + si})
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority < candidates[j].priority
	})
	return candidates[0].name
}

// parseSubprotocolHeader splits a Sec-WebSocket-Protocol header value
// into its comma-separated, trimmed tokens.
func parseSubprotocolHeader(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
