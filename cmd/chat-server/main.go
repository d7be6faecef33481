// Command chat-server runs a WebSocket chat room: every text message a
// client sends is broadcast to every connected client, the sender
// included.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/coregx/wsproto/websocket"
)

func main() {
	cmd := &cli.Command{
		Name:  "chat-server",
		Usage: "broadcast chat: every message fans out to every connected client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "listen address"},
			&cli.BoolFlag{Name: "pretty-log", Usage: "human-readable console logging"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(_ context.Context, cmd *cli.Command) error {
	log := newLogger(cmd.Bool("pretty-log"))
	reg := websocket.NewRegistry()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleChat(w, r, reg, log)
	})

	addr := cmd.String("addr")
	log.Info().Str("addr", addr).Msg("chat-server listening")
	return http.ListenAndServe(addr, mux)
}

func handleChat(w http.ResponseWriter, r *http.Request, reg *websocket.Registry, log zerolog.Logger) {
	opts := &websocket.ServerOptions{Options: websocket.Options{Logger: log}}
	conn, err := websocket.Upgrade(w, r, opts)
	if err != nil {
		log.Warn().Err(err).Msg("upgrade failed")
		http.Error(w, "websocket upgrade failed", websocket.StatusCode(err))
		return
	}

	id := reg.Register(conn)
	log.Info().Str("conn_id", id.String()).Int("clients", reg.Count()).Msg("client joined")
	defer func() {
		reg.Unregister(id)
		log.Info().Str("conn_id", id.String()).Int("clients", reg.Count()).Msg("client left")
	}()

	for {
		mt, data, ok, err := conn.Recv(0)
		if err != nil {
			return
		}
		if !ok || mt != websocket.TextMessage {
			continue
		}
		reg.Broadcast(websocket.TextMessage, data)
	}
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
