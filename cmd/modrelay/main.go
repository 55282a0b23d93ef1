package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/modrelay/agent"
	"github.com/guseggert/modrelay/agent/process"
	"github.com/guseggert/modrelay/internal/config"
	"github.com/guseggert/modrelay/internal/files"
	"github.com/guseggert/modrelay/internal/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "modrelay",
		Usage: "run Python modules as child processes and relay their output over WebSockets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a YAML config file.",
				EnvVars: []string{"MODRELAY_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, overriding the config file. One of [debug,info,warn,error].",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
			certsCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if lvl := ctx.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the relay agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on, overriding the config file.",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "How often each session checks for client disconnects, overriding the config file.",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, logger, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if addr := ctx.String("listen-addr"); addr != "" {
				cfg.Server.ListenAddr = addr
			}
			if d := ctx.Duration("poll-interval"); d > 0 {
				cfg.Session.PollInterval = d
			}

			launcher, err := buildLauncher(cfg.Python, logger.Sugar())
			if err != nil {
				return err
			}

			opts := []agent.Option{
				agent.WithLogger(logger),
				agent.WithListenAddr(cfg.Server.ListenAddr),
				agent.WithLauncher(launcher),
				agent.WithPollInterval(cfg.Session.PollInterval),
			}
			if cfg.Server.TLS.CACert != "" {
				tlsOpt, err := loadTLS(cfg.Server.TLS)
				if err != nil {
					return err
				}
				opts = append(opts, tlsOpt)
			}

			relay, err := agent.NewRelayAgent(opts...)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			runCtx, cancel := signalContext(ctx.Context)
			defer cancel()
			return relay.Run(runCtx)
		},
	}
}

func buildLauncher(cfg config.PythonConfig, log *zap.SugaredLogger) (*process.PythonLauncher, error) {
	launcher := &process.PythonLauncher{
		Interpreter:   cfg.Interpreter,
		WrapperModule: cfg.WrapperModule,
		Dir:           cfg.WorkDir,
		Env:           cfg.Env,
	}
	if launcher.Dir != "" {
		return launcher, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting wd: %w", err)
	}
	root, err := files.ModuleRoot(cfg.WrapperModule, wd)
	if err != nil {
		return nil, fmt.Errorf("locating wrapper module %s: %w", cfg.WrapperModule, err)
	}
	if root == "" {
		log.Warnw("wrapper module package not found above working directory, children will run in it", "WrapperModule", cfg.WrapperModule, "WD", wd)
		root = wd
	}
	launcher.Dir = root
	log.Debugw("resolved child working directory", "Dir", root)
	return launcher, nil
}

func loadTLS(cfg config.TLSConfig) (agent.Option, error) {
	ca, err := agent.ReadPEMFile(cfg.CACert)
	if err != nil {
		return nil, err
	}
	cert, err := agent.ReadPEMFile(cfg.Cert)
	if err != nil {
		return nil, err
	}
	key, err := agent.ReadPEMFile(cfg.Key)
	if err != nil {
		return nil, err
	}
	return agent.WithTLS(ca, cert, key), nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a module on an agent and print its output",
		ArgsUsage: "MODULE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "The agent's host:port.",
				Value: "127.0.0.1:8080",
			},
			&cli.StringFlag{
				Name:  "certs-dir",
				Usage: "Directory holding ca.pem, client.pem and client-key.pem, for agents that require mTLS.",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "How long to wait for the agent to come up.",
				Value: 10 * time.Second,
			},
		},
		Action: func(ctx *cli.Context) error {
			module := ctx.Args().First()
			if module == "" {
				return fmt.Errorf("a module is required")
			}
			_, logger, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			defer logger.Sync()

			var opts []agent.ClientOption
			if dir := ctx.String("certs-dir"); dir != "" {
				certs, err := agent.ReadClientCerts(dir)
				if err != nil {
					return err
				}
				opts = append(opts, agent.WithClientCerts(certs))
			}
			client, err := agent.NewClient(logger.Sugar(), ctx.String("addr"), opts...)
			if err != nil {
				return err
			}

			runCtx, cancel := signalContext(ctx.Context)
			defer cancel()

			waitCtx, waitCancel := context.WithTimeout(runCtx, ctx.Duration("wait"))
			defer waitCancel()
			if err := client.WaitForServer(waitCtx); err != nil {
				return fmt.Errorf("waiting for agent: %w", err)
			}

			code, err := client.Run(runCtx, module, printEvent(os.Stdout, os.Stderr))
			if err != nil {
				return err
			}
			if code != 0 {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}

// printEvent writes child output to the local stdout and stderr.
func printEvent(stdout, stderr io.Writer) process.EventHandler {
	return func(e process.Event) error {
		var err error
		switch e := e.(type) {
		case process.StdoutEvent:
			_, err = io.WriteString(stdout, e.Data)
		case process.StderrEvent:
			_, err = io.WriteString(stderr, e.Data)
		}
		return err
	}
}

func certsCommand() *cli.Command {
	return &cli.Command{
		Name:      "certs",
		Usage:     "generate a CA with server and client certs for mTLS",
		ArgsUsage: "DIR",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "valid-for",
				Usage: "How long the certs are valid.",
				Value: 7 * 24 * time.Hour,
			},
		},
		Action: func(ctx *cli.Context) error {
			dir := ctx.Args().First()
			if dir == "" {
				return fmt.Errorf("an output directory is required")
			}
			certs, err := agent.GenerateCerts(ctx.Duration("valid-for"))
			if err != nil {
				return err
			}
			if err := certs.WriteDir(dir); err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "wrote certs to %s\n", dir)
			return nil
		},
	}
}
