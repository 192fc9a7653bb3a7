// Command poolctl is the single entry point for the autoscaling worker
// pool (spec.md §6): no subcommands, one config flag, exit codes
// 0 (clean shutdown), 1 (configuration error), 2 (unrecoverable broker
// error at startup).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/example/poolctl/internal/broker"
	"github.com/example/poolctl/internal/config"
	"github.com/example/poolctl/internal/envelope"
	"github.com/example/poolctl/internal/supervisor"
)

func main() {
	app := &cli.App{
		Name:  "poolctl",
		Usage: "autoscaling broker worker pool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "app.prop",
				Usage: "path to the queueDetails JSON configuration file",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		if code, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(code.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		logger.Error("configuration error", zap.Error(err))
		os.Exit(1)
	}

	dialer := broker.Dialer{
		Host:     cfg.BrokerHost,
		Port:     cfg.BrokerPort,
		User:     cfg.User,
		Password: cfg.Password,
	}

	// Verify broker reachability at startup before handing off to the
	// supervisor's own run loop (spec.md §6: exit 2 on unrecoverable
	// startup broker error).
	probe, err := dialer.Dial()
	if err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			logger.Error("broker unavailable at startup", zap.Error(err))
		} else {
			logger.Error("failed to probe broker at startup", zap.Error(err))
		}
		os.Exit(2)
	}
	probe.Close()

	sup := supervisor.New(supervisor.Config{
		Dialer:         dialer,
		InputQueue:     cfg.InputQueue,
		OutputQueue:    cfg.OutputQueue,
		ErrorQueue:     cfg.ErrorQueue,
		MaxWorkerCount: cfg.MaxWorkerCount,
		BlockingLimit:  cfg.BlockingLimit,
		Transform:      echoTransform,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, supervisor.ErrStartupFailed) {
			// Failed before the tick loop ever began (sampling connection,
			// queue declaration) — spec.md §6/§7 calls this out as the same
			// unrecoverable-broker-error class as the startup probe above,
			// not a generic runtime failure.
			logger.Error("supervisor startup failed", zap.Error(err))
			return cli.Exit(err, 2)
		}
		return err
	}
	return nil
}

// newLogger builds a production JSON logger that splits output by level:
// Debug/Info/Warn (including the Supervisor's routine per-tick status
// line) go to stdout, Error and above go to stderr. spec.md §7 reserves
// stderr for fatal conditions.
func newLogger() *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	stdout := zapcore.Lock(os.Stdout)
	stderr := zapcore.Lock(os.Stderr)

	belowError := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel
	})
	atOrAboveError := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, stdout, belowError),
		zapcore.NewCore(encoder, stderr, atOrAboveError),
	)
	return zap.New(core, zap.AddCaller())
}

// echoTransform is the default transform used when poolctl is run as a
// standalone binary rather than embedded by a host application that
// supplies its own (spec.md §6 Transform contract). It forwards the
// message unchanged.
func echoTransform(message []byte) ([]byte, envelope.Status, *envelope.Envelope) {
	return message, envelope.NoError, nil
}
