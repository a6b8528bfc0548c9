// Command dagqueued runs a dagqueue manager with a set of built-in
// functions and serves its HTTP and WebSocket interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olivere/dagqueue"
	"github.com/olivere/dagqueue/config"
	"github.com/olivere/dagqueue/logging"
	"github.com/olivere/dagqueue/streamserver"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path of the HCL configuration file")
		addr       = flag.String("addr", "", "HTTP bind address (overrides the configuration)")
		dbdebug    = flag.Bool("dbdebug", false, "Log SQL statements of the embedded backend")
	)
	flag.Parse()

	if err := run(*configFile, *addr, *dbdebug); err != nil {
		fmt.Fprintf(os.Stderr, "dagqueued: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, addr string, dbdebug bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	if dbdebug {
		cfg.SQLDebug = true
	}

	logger, closeLog := logging.New(cfg.Log)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	backend, err := config.OpenBackend(ctx, cfg.Queue.Backend, logger, cfg.SQLDebug)
	if err != nil {
		return err
	}
	m, err := dagqueue.New(cfg.Queue,
		dagqueue.SetBackend(backend),
		dagqueue.SetLogger(logger.With("component", "manager")),
	)
	if err != nil {
		backend.Close()
		return err
	}
	for name, fn := range builtins {
		if err := m.Register(name, fn); err != nil {
			return err
		}
	}
	if err := m.Start(); err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("web server listening", "addr", cfg.HTTPAddr, "backend", string(cfg.Queue.Backend.Kind))
	srv := streamserver.New(m, streamserver.SetLogger(logger.With("component", "http")))
	if err := srv.Serve(ctx, cfg.HTTPAddr); err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}
