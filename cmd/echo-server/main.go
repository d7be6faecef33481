// Command echo-server runs a minimal WebSocket server that echoes every
// message it receives back to the same client.
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
		Name:  "echo-server",
		Usage: "echo every received message back to its sender",
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

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleEcho(w, r, log)
	})

	addr := cmd.String("addr")
	log.Info().Str("addr", addr).Msg("echo-server listening")
	return http.ListenAndServe(addr, mux)
}

func handleEcho(w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	opts := &websocket.ServerOptions{Options: websocket.Options{Logger: log}}
	conn, err := websocket.Upgrade(w, r, opts)
	if err != nil {
		log.Warn().Err(err).Msg("upgrade failed")
		http.Error(w, "websocket upgrade failed", websocket.StatusCode(err))
		return
	}

	for {
		mt, data, ok, err := conn.Recv(0)
		if err != nil {
			log.Info().Err(err).Msg("connection closed")
			return
		}
		if !ok {
			continue
		}
		if err := conn.Send(mt, data); err != nil {
			log.Warn().Err(err).Msg("send failed")
			return
		}
	}
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
