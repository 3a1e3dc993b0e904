package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/guseggert/mcpbridge/client"
	"github.com/guseggert/mcpbridge/gateway"
	"github.com/guseggert/mcpbridge/pool"
	"github.com/guseggert/mcpbridge/router"
	"github.com/guseggert/mcpbridge/setup"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

func main() {
	app := &cli.App{
		Name:    "mcpbridge",
		Usage:   "serve stdio MCP servers over HTTP",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"MCPBRIDGE_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{serveCommand, stdioCommand},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "discover the MCP servers under the root directory and serve them over HTTP",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "root",
			Usage:   "Directory whose subdirectories are MCP servers.",
			Value:   "servers",
			EnvVars: []string{"MCPBRIDGE_ROOT"},
		},
		&cli.StringFlag{
			Name:    "host",
			Usage:   "The host for the HTTP server to listen on.",
			Value:   "0.0.0.0",
			EnvVars: []string{"HOST"},
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "The port for the HTTP server to listen on.",
			Value:   8080,
			EnvVars: []string{"PORT"},
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on. Overrides --host and --port.",
		},
		&cli.DurationFlag{
			Name:    "inactivity-timeout",
			Usage:   "Shut down after this long without a request. Zero disables it.",
			Value:   30 * time.Minute,
			EnvVars: []string{"MCPBRIDGE_INACTIVITY_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:  "on-inactivity",
			Usage: "Action to take after an inactivity shutdown. One of [exit,shutdown].",
			Value: "exit",
		},
		&cli.IntFlag{
			Name:  "min-slots",
			Usage: "Processes started eagerly per backend.",
			Value: 1,
		},
		&cli.IntFlag{
			Name:  "max-slots",
			Usage: "Maximum processes per backend. Zero uses the default for the backend's runtime.",
		},
		&cli.DurationFlag{
			Name:  "acquire-timeout",
			Usage: "How long a request waits for a free process.",
			Value: 30 * time.Second,
		},
		&cli.DurationFlag{
			Name:  "request-timeout",
			Usage: "How long a request waits for its response.",
			Value: 30 * time.Second,
		},
		&cli.DurationFlag{
			Name:  "handshake-timeout",
			Usage: "How long a new process has to answer initialize.",
			Value: 10 * time.Second,
		},
		&cli.StringFlag{
			Name:  "protocol-version",
			Usage: "Pin the handshake to this protocol version instead of negotiating.",
		},
		&cli.DurationFlag{
			Name:  "setup-timeout",
			Usage: "How long a backend's setup script may run.",
			Value: 10 * time.Minute,
		},
		&cli.BoolFlag{
			Name:  "strict-sessions",
			Usage: "Reject requests without a session id once a session exists.",
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger(ctx.String("log-level"))
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		listenAddr := ctx.String("listen-addr")
		if listenAddr == "" {
			listenAddr = net.JoinHostPort(ctx.String("host"), strconv.Itoa(ctx.Int("port")))
		}

		var inactivityHandler func()
		switch onInactivity := ctx.String("on-inactivity"); onInactivity {
		case "shutdown":
			inactivityHandler = gateway.InactivityShutdownHost
		case "exit":
			// Run returns once the gateway has stopped
		default:
			return fmt.Errorf("unsupported on-inactivity %q", onInactivity)
		}

		g := gateway.New(
			gateway.WithLogger(logger),
			gateway.WithRootDir(ctx.String("root")),
			gateway.WithListenAddr(listenAddr),
			gateway.WithInactivityTimeout(ctx.Duration("inactivity-timeout")),
			gateway.WithInactivityHandler(inactivityHandler),
			gateway.WithSetupRunner(&setup.ScriptRunner{Log: logger.Named("setup"), Timeout: ctx.Duration("setup-timeout")}),
			gateway.WithPoolOptions(
				pool.WithMinSlots(ctx.Int("min-slots")),
				pool.WithMaxSlots(ctx.Int("max-slots")),
				pool.WithAcquireTimeout(ctx.Duration("acquire-timeout")),
				pool.WithRequestTimeout(ctx.Duration("request-timeout")),
				pool.WithHandshakeTimeout(ctx.Duration("handshake-timeout")),
				pool.WithProtocolVersion(ctx.String("protocol-version")),
				pool.WithClientInfo("mcpbridge", version),
			),
			gateway.WithRouterOptions(
				router.WithStrictSessions(ctx.Bool("strict-sessions")),
				router.WithServerInfo("mcpbridge", version),
			),
		)

		runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-runCtx.Done():
					return
				case <-hup:
					logger.Infow("reloading backends")
					err := g.Reload(runCtx)
					if err != nil {
						logger.Errorw("error reloading backends", "Error", err)
					}
				}
			}
		}()

		return g.Run(runCtx)
	},
}

var stdioCommand = &cli.Command{
	Name:  "stdio",
	Usage: "bridge a stdio MCP client on stdin/stdout to a remote gateway",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Usage:   "Base URL of the gateway.",
			Value:   "http://localhost:8080",
			EnvVars: []string{"MCPBRIDGE_URL"},
		},
		&cli.StringFlag{
			Name:    "backend",
			Usage:   "Talk to a single backend instead of the aggregated endpoint.",
			EnvVars: []string{"MCPBRIDGE_BACKEND"},
		},
		&cli.IntFlag{
			Name:  "retries",
			Usage: "Retries for requests that fail to reach the gateway.",
			Value: 3,
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger(ctx.String("log-level"))
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		c := client.New(
			client.Endpoint(ctx.String("url"), ctx.String("backend")),
			client.WithLogger(logger),
			client.WithRetries(ctx.Int("retries"), 250*time.Millisecond),
		)

		runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = c.Run(runCtx, os.Stdin, os.Stdout)
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}
