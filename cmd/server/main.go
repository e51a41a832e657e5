package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"veritas/internal/platform/config"
	"veritas/internal/platform/httpserver"
	"veritas/internal/platform/logger"
)

// main wires dependencies, serves HTTP and runs the background workers until
// SIGINT or SIGTERM. Business logic lives in the internal service packages.
func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		addr       string
		logLevel   string
	)
	flags := pflag.NewFlagSet("veritas", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", config.PathFromEnv(), "path to a YAML config file (env VERITAS_CONFIG)")
	flags.StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error; overrides server.log_level")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	log := logger.New(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	srv := httpserver.New(cfg.Server.Addr, app.router)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting veritas",
			"addr", cfg.Server.Addr,
			"token_backend", cfg.Portal.TokenBackend,
			"regulated_mode", cfg.Server.RegulatedMode,
		)
		return httpserver.Serve(gctx, srv, cfg.Server.ShutdownTimeout)
	})
	for _, worker := range app.workers {
		g.Go(func() error {
			if err := worker(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("veritas stopped")
	return nil
}
