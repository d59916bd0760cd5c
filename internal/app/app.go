package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/guseggert/vtkhttp/lifecycle"
	"github.com/guseggert/vtkhttp/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the vtkhttp CLI. Controller options are applied after the ones derived from flags,
// which lets callers substitute the executable spawned by "start".
func New(controllerOpts ...lifecycle.Option) *cli.App {
	return &cli.App{
		Name:  "vtkhttp",
		Usage: "start, run or stop a local HTTP server that writes POST /dump?file=<path> bodies to disk",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "directory",
				Aliases: []string{"d"},
				Usage:   "Working directory for the lock file and server logs.",
				Value:   ".",
				EnvVars: []string{"VTKHTTP_DIRECTORY"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "TCP port for the HTTP server.",
				Value:   lifecycle.DefaultPort,
				EnvVars: []string{"VTKHTTP_PORT"},
			},
			&cli.StringFlag{
				Name:     "operation",
				Aliases:  []string{"o"},
				Usage:    "One of [start,run,stop,status].",
				Required: true,
				EnvVars:  []string{"VTKHTTP_OPERATION"},
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "Address for the HTTP server to bind.",
				Value:   lifecycle.DefaultHost,
				EnvVars: []string{"VTKHTTP_HOST"},
			},
			&cli.DurationFlag{
				Name:    "ready-timeout",
				Usage:   "How long start waits for the server to become ready, 0 to wait forever.",
				Value:   lifecycle.DefaultReadyTimeout,
				EnvVars: []string{"VTKHTTP_READY_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "stop-timeout",
				Usage:   "How long stop waits for the server process to exit.",
				Value:   lifecycle.DefaultStopTimeout,
				EnvVars: []string{"VTKHTTP_STOP_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "bind-retry-interval",
				Usage:   "Delay between bind attempts while the port is in use.",
				Value:   server.DefaultBindRetryInterval,
				EnvVars: []string{"VTKHTTP_BIND_RETRY_INTERVAL"},
			},
			&cli.StringFlag{
				Name:    "metrics-listen-addr",
				Usage:   "If set, the server serves Prometheus metrics on this address.",
				EnvVars: []string{"VTKHTTP_METRICS_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"VTKHTTP_LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			dir, err := filepath.Abs(ctx.String("directory"))
			if err != nil {
				return fmt.Errorf("resolving directory: %w", err)
			}
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			operation := ctx.String("operation")
			switch operation {
			case lifecycle.OperationRun:
				return runServer(ctx, dir, level)
			case lifecycle.OperationStart, lifecycle.OperationStop, lifecycle.OperationStatus:
				return runController(ctx, operation, dir, level, controllerOpts)
			default:
				return fmt.Errorf("unknown value for -o/--operation %q", operation)
			}
		},
	}
}

// buildLogger builds a console logger. The server logs to stdout, which a controller
// redirects into server.out; the controller logs to stderr.
func buildLogger(level zapcore.Level, outputPath string) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{outputPath}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func runServer(ctx *cli.Context, dir string, level zapcore.Level) error {
	logger, err := buildLogger(level, "stdout")
	if err != nil {
		return err
	}
	defer logger.Sync()

	listenAddr := net.JoinHostPort(ctx.String("host"), strconv.Itoa(ctx.Int("port")))
	srv, err := server.New(
		dir,
		server.WithLogger(logger),
		server.WithListenAddr(listenAddr),
		server.WithBindRetryInterval(ctx.Duration("bind-retry-interval")),
		server.WithMetricsListenAddr(ctx.String("metrics-listen-addr")),
	)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}
	return srv.Run(ctx.Context)
}

func runController(ctx *cli.Context, operation, dir string, level zapcore.Level, extraOpts []lifecycle.Option) error {
	logger, err := buildLogger(level, "stderr")
	if err != nil {
		return err
	}
	defer logger.Sync()

	runArgs := []string{
		"--bind-retry-interval", ctx.Duration("bind-retry-interval").String(),
		"--log-level", ctx.String("log-level"),
	}
	if addr := ctx.String("metrics-listen-addr"); addr != "" {
		runArgs = append(runArgs, "--metrics-listen-addr", addr)
	}
	opts := []lifecycle.Option{
		lifecycle.WithLogger(logger.Sugar()),
		lifecycle.WithPort(ctx.Int("port")),
		lifecycle.WithHost(ctx.String("host")),
		lifecycle.WithReadyTimeout(ctx.Duration("ready-timeout")),
		lifecycle.WithStopTimeout(ctx.Duration("stop-timeout")),
		lifecycle.WithExtraRunArgs(runArgs...),
	}
	controller, err := lifecycle.NewController(dir, append(opts, extraOpts...)...)
	if err != nil {
		return fmt.Errorf("building controller: %w", err)
	}

	// Interrupting start kills the half-started server instead of orphaning it.
	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch operation {
	case lifecycle.OperationStart:
		_, err = controller.Start(sigCtx)
		return err
	case lifecycle.OperationStop:
		_, err = controller.Stop(sigCtx)
		return err
	default:
		return status(sigCtx, controller, logger.Sugar())
	}
}

func status(ctx context.Context, controller *lifecycle.Controller, log *zap.SugaredLogger) error {
	rec, alive, err := controller.Status(ctx)
	if err != nil {
		return err
	}
	if !alive {
		return fmt.Errorf("%w: lock file %s names pid %d, which is not running", lifecycle.ErrNotRunning, controller.LockPath(), rec.PID)
	}
	log.Infof("server running: %s", rec)
	return nil
}
