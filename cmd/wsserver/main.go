// Command wsserver is a standalone demo server exercising the websocket
// package's full handler contract: inactivity timeouts, hibernate hints,
// and the externally-delivered-message path, all driven from CLI flags.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coregx/wscore/websocket"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "wsserver",
		Usage:   "demo WebSocket server built on the coregx/wscore session core",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// configFile returns the path cli-altsrc reads TOML defaults from. The file
// is optional - a missing path just means every flag falls back to its
// EnvVar source or literal default.
func configFile() altsrc.StringSourcer {
	return altsrc.StringSourcer("wsserver.toml")
}

func flags() []cli.Flag {
	path := configFile()

	return []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "address to listen on",
			Value: ":8080",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_ADDR"),
				toml.TOML("server.addr", path),
			),
		},
		&cli.DurationFlag{
			Name:  "idle-timeout",
			Usage: "close a session after this long without traffic (0 disables)",
			Value: 60 * time.Second,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_IDLE_TIMEOUT"),
				toml.TOML("server.idle_timeout", path),
			),
		},
		&cli.BoolFlag{
			Name:  "hibernate",
			Usage: "set the hibernate hint on every handler result",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_HIBERNATE"),
				toml.TOML("server.hibernate", path),
			),
		},
		&cli.IntFlag{
			Name:  "read-buffer-size",
			Usage: "bytes read from the socket per transport read",
			Value: 4096,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_READ_BUFFER_SIZE"),
				toml.TOML("server.read_buffer_size", path),
			),
			Validator: func(n int) error {
				if n <= 0 {
					return fmt.Errorf("read-buffer-size must be positive, got %d", n)
				}
				return nil
			},
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSSERVER_PRETTY_LOG"),
			),
		},
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	initLog(cmd.Bool("pretty-log"))

	opts := &websocket.UpgradeOptions{
		ReadBufferSize: cmd.Int("read-buffer-size"),
	}

	h := &demoHandler{
		idleTimeout: cmd.Duration("idle-timeout"),
		hibernate:   cmd.Bool("hibernate"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		sess, err := websocket.Upgrade(w, r, h, opts)
		if err != nil {
			log.Error().Err(err).Msg("upgrade failed")
			http.Error(w, "WebSocket upgrade failed", http.StatusBadRequest)
			return
		}
		sess.Run(context.Background())
	})

	addr := cmd.String("addr")
	log.Info().
		Str("addr", addr).
		Dur("idle_timeout", h.idleTimeout).
		Bool("hibernate", h.hibernate).
		Int("read_buffer_size", opts.ReadBufferSize).
		Msg("wsserver listening")

	return http.ListenAndServe(addr, mux)
}

// initLog configures zerolog's global logger, mirroring timpani's
// dev-vs-production console/JSON split.
func initLog(pretty bool) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// demoHandler echoes text and binary messages and applies the idle-timeout
// and hibernate flags supplied on the command line to every session it
// creates.
type demoHandler struct {
	idleTimeout time.Duration
	hibernate   bool
}

func (h *demoHandler) Init(ctx context.Context, transportName string, r *http.Request, opts map[string]any) (websocket.InitResult, error) {
	log.Info().Str("transport", transportName).Msg("session started")
	if h.hibernate {
		return websocket.InitOKTimeoutHibernate(nil, h.idleTimeout), nil
	}
	return websocket.InitOKTimeout(nil, h.idleTimeout), nil
}

func (h *demoHandler) OnMessage(ctx context.Context, msg websocket.Message, state any) (websocket.Result, error) {
	var reply websocket.OutboundFrame
	switch msg.Type {
	case websocket.TextMessage:
		reply = websocket.Text(string(msg.Payload))
	case websocket.BinaryMessage:
		reply = websocket.Binary(msg.Payload)
	default:
		return h.result(state), nil
	}

	if h.hibernate {
		return websocket.ResultReplyHibernate(state, reply), nil
	}
	return websocket.ResultReply(state, reply), nil
}

func (h *demoHandler) OnInfo(ctx context.Context, info any, state any) (websocket.Result, error) {
	return h.result(state), nil
}

func (h *demoHandler) OnTerminate(ctx context.Context, reason websocket.TerminateReason, state any) {
	log.Info().Str("reason", reason.String()).Msg("session terminated")
}

func (h *demoHandler) result(state any) websocket.Result {
	if h.hibernate {
		return websocket.ResultOKHibernate(state)
	}
	return websocket.ResultOK(state)
}
