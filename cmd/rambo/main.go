package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/rambo/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var tlsDirFlag = &cli.StringFlag{
	Name:    "tls-dir",
	Usage:   "Directory holding the PEM files written by gen-certs. When set, mTLS is required.",
	EnvVars: []string{"RAMBO_TLS_DIR"},
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "rambo",
		Usage: "run a command on behalf of a parent process, speaking a framed protocol over stdin and stdout",
		// stdout carries the protocol
		Writer:    os.Stderr,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Log every frame read and written to stderr. Also enabled by a non-empty RAMBO_DEBUG.",
			},
			&cli.UintFlag{
				Name:    "max-frame-size",
				Usage:   "The largest inbound frame accepted, in bytes.",
				EnvVars: []string{"RAMBO_MAX_FRAME_SIZE"},
				Value:   256 << 20,
			},
		},
		Action: func(ctx *cli.Context) error {
			logger, err := buildLogger(debugEnabled(ctx))
			if err != nil {
				return err
			}
			defer logger.Sync()

			// a parent that stops reading must surface as a write error, so the child is still killed on disconnect
			signal.Ignore(syscall.SIGPIPE)

			bridge := agent.New(bridgeOptions(ctx, logger)...)
			outcome := bridge.Run(os.Stdin, os.Stdout)
			logger.Sugar().Debugw("exiting", "Outcome", outcome.Kind)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serve sessions over WebSockets, one session per connection",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "listen-addr",
						Usage:   "The address for the HTTP server to listen on.",
						EnvVars: []string{"RAMBO_LISTEN_ADDR"},
						Value:   "127.0.0.1:8080",
					},
					tlsDirFlag,
				},
				Action: func(ctx *cli.Context) error {
					logger, err := buildLogger(debugEnabled(ctx))
					if err != nil {
						return err
					}
					defer logger.Sync()

					opts := []agent.ServerOption{
						agent.WithListenAddr(ctx.String("listen-addr")),
						agent.WithServerLogger(logger),
						agent.WithSessionOptions(bridgeOptions(ctx, logger)...),
					}
					if dir := ctx.String("tls-dir"); dir != "" {
						certs, err := agent.LoadCerts(dir)
						if err != nil {
							return err
						}
						tlsConfig, err := certs.ServerTLSConfig()
						if err != nil {
							return err
						}
						opts = append(opts, agent.WithTLS(tlsConfig))
					}

					server := agent.NewServer(opts...)
					go func() {
						sigs := make(chan os.Signal, 1)
						signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
						<-sigs
						if err := server.Stop(); err != nil {
							logger.Sugar().Errorf("stopping server: %s", err)
						}
					}()
					return server.Run()
				},
			},
			{
				Name:      "exec",
				Usage:     "run a command on a server started with serve",
				ArgsUsage: "PROGRAM [ARG...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Usage:   "The address of the server.",
						EnvVars: []string{"RAMBO_ADDR"},
						Value:   "127.0.0.1:8080",
					},
					tlsDirFlag,
					&cli.StringSliceFlag{
						Name:  "env",
						Usage: "Set an environment variable in the child, as NAME=VALUE. May be repeated.",
					},
					&cli.StringFlag{
						Name:  "dir",
						Usage: "The working directory of the child.",
					},
					&cli.BoolFlag{
						Name:  "stdin",
						Usage: "Read stdin to EOF and send it to the child.",
					},
					&cli.DurationFlag{
						Name:  "wait",
						Usage: "How long to wait for the server to come up.",
						Value: 10 * time.Second,
					},
				},
				Action: execAction,
			},
			{
				Name:  "gen-certs",
				Usage: "generate a CA plus server and client certs for mTLS",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dir",
						Usage:    "The directory to write the PEM files to.",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "valid-for",
						Usage: "How long the certs are valid.",
						Value: 7 * 24 * time.Hour,
					},
				},
				Action: func(ctx *cli.Context) error {
					certs, err := agent.GenerateCerts(ctx.Duration("valid-for"))
					if err != nil {
						return err
					}
					return certs.WriteFiles(ctx.String("dir"))
				},
			},
		},
	}
}

func execAction(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return errors.New("a program to run is required")
	}
	logger, err := buildLogger(debugEnabled(ctx))
	if err != nil {
		return err
	}
	defer logger.Sync()

	env := map[string]string{}
	for _, kv := range ctx.StringSlice("env") {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid env %q, expected NAME=VALUE", kv)
		}
		env[name] = value
	}

	req := agent.Request{
		Command: ctx.Args().First(),
		Args:    ctx.Args().Tail(),
		Env:     env,
		Dir:     ctx.String("dir"),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
	if ctx.Bool("stdin") {
		req.Stdin, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}

	clientOpts := []agent.ClientOption{agent.WithClientLogger(logger)}
	if dir := ctx.String("tls-dir"); dir != "" {
		certs, err := agent.LoadCerts(dir)
		if err != nil {
			return err
		}
		tlsConfig, err := certs.ClientTLSConfig()
		if err != nil {
			return err
		}
		clientOpts = append(clientOpts, agent.WithClientTLS(tlsConfig))
	}
	client := agent.NewClient(ctx.String("addr"), clientOpts...)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	waitCtx, cancel := context.WithTimeout(runCtx, ctx.Duration("wait"))
	defer cancel()
	if err := client.WaitForServer(waitCtx); err != nil {
		return fmt.Errorf("waiting for server: %w", err)
	}

	res, err := client.Run(runCtx, req)
	if err != nil {
		return err
	}
	if !res.Exited {
		return cli.Exit("command terminated without an exit code", 1)
	}
	if res.ExitCode != 0 {
		return cli.Exit("", res.ExitCode)
	}
	return nil
}

func bridgeOptions(ctx *cli.Context, logger *zap.Logger) []agent.Option {
	return []agent.Option{
		agent.WithLogger(logger),
		agent.WithDebug(debugEnabled(ctx)),
		agent.WithMaxFrameSize(uint32(ctx.Uint("max-frame-size"))),
	}
}

// debugEnabled reports whether frame mirroring was asked for, by flag or by any non-empty RAMBO_DEBUG.
func debugEnabled(ctx *cli.Context) bool {
	return ctx.Bool("debug") || os.Getenv("RAMBO_DEBUG") != ""
}

// buildLogger returns a logger writing to stderr, since stdout carries the protocol.
func buildLogger(debug bool) (*zap.Logger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if !debug {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.ErrorLevel))
	}
	return logger, nil
}
