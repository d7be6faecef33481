package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestUpgradeDial_FullHandshake drives the real HTTP opening handshake
// (Upgrade server side, Dial client side) over an httptest.Server and
// confirms the resulting Conns can exchange a message, covering spec.md
// §4.D end to end rather than unit-testing validateUpgradeRequest/
// buildClientRequest in isolation.
func TestUpgradeDial_FullHandshake(t *testing.T) {
	var gotSubprotocol string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, &ServerOptions{Subprotocols: []string{"chat"}})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotSubprotocol = conn.Subprotocol()
		mt, data, ok, _ := conn.Recv(time.Second)
		if ok {
			_ = conn.Send(mt, data)
		}
	}))
	defer srv.Close()

	url := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	client, err := Dial(context.Background(), url, &ClientOptions{Subprotocols: []string{"chat"}})
	require.NoError(t, err)
	require.Equal(t, "chat", client.Subprotocol())

	require.NoError(t, client.SendText("ping"))
	mt, data, ok, err := client.Recv(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TextMessage, mt)
	require.Equal(t, "ping", string(data))
	require.Equal(t, "chat", gotSubprotocol)
}

// TestUpgrade_RejectsMissingUpgradeHeader covers the handshake failing
// before any hijack is attempted.
func TestUpgrade_RejectsMissingUpgradeHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestUpgrade_RejectsUnsupportedSubprotocol covers spec.md §4.D's
// NegotiationError failure mode: a server that only speaks a fixed set
// of subprotocols rejects a client that offers none of them, reporting
// it through StatusCode rather than silently proceeding without one.
func TestUpgrade_RejectsUnsupportedSubprotocol(t *testing.T) {
	var upgradeErr error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := Upgrade(w, r, &ServerOptions{Subprotocols: []string{"chat.v1"}})
		upgradeErr = err
		if err != nil {
			http.Error(w, err.Error(), StatusCode(err))
		}
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Sec-WebSocket-Protocol", "chat.v2")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.ErrorIs(t, upgradeErr, ErrNegotiationFailed)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
