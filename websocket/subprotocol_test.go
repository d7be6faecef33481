package websocket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDefaultSelectSubprotocol_SumOfIndices covers the tie-break
// legacy/server.py's select_subprotocol uses: lowest sum of each side's
// index wins.
func TestDefaultSelectSubprotocol_SumOfIndices(t *testing.T) {
	client := []string{"b", "a", "c"}
	server := []string{"a", "b"}

	// "a": client idx 1 + server idx 0 = 1
	// "b": client idx 0 + server idx 1 = 1
	// tie broken by stable sort: "a" appears first among equal priority
	// only if it was encountered first during the client-offered walk,
	// which is "b" (idx 0) before "a" (idx 1) — so "b" wins the tie.
	require.Equal(t, "b", defaultSelectSubprotocol(client, server))
}

func TestDefaultSelectSubprotocol_NoOverlap(t *testing.T) {
	require.Equal(t, "", defaultSelectSubprotocol([]string{"x"}, []string{"y"}))
}

func TestDefaultSelectSubprotocol_SingleCandidate(t *testing.T) {
	require.Equal(t, "chat", defaultSelectSubprotocol([]string{"chat"}, []string{"superchat", "chat"}))
}

func TestParseSubprotocolHeader(t *testing.T) {
	require.Equal(t, []string{"chat", "superchat"}, parseSubprotocolHeader("chat, superchat"))
	require.Nil(t, parseSubprotocolHeader(""))
}

func TestCustomSubprotocolSelector(t *testing.T) {
	var selector SubprotocolSelector = func(clientOffered, serverSupported []string) string {
		for _, c := range clientOffered {
			for _, s := range serverSupported {
				if c == s {
					return c // first client-offered match wins, ignoring server order
				}
			}
		}
		return ""
	}
	require.Equal(t, "b", selector([]string{"b", "a"}, []string{"a", "b"}))
}
