package serverrun

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/redq/internal/config"
	"github.com/rzbill/redq/internal/runtime"
	grpcserver "github.com/rzbill/redq/internal/server/grpc"
	httpserver "github.com/rzbill/redq/internal/server/http"
	"github.com/rzbill/redq/internal/tracing"
	logpkg "github.com/rzbill/redq/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// Run opens the runtime, starts the gRPC and HTTP servers and blocks until
// ctx is cancelled or a server fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	cfg.DataDir = filepath.Join(cfg.DataDir, "store")

	logger := opts.Logger
	if logger == nil {
		logger = processLogger(cfg.Log)
		// Pebble logs through the standard library
		logpkg.RedirectStdLog(logger)
	}

	tp, err := tracing.Init(sctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: logger, Tracer: tp.Tracer()})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("Starting redq server",
		logpkg.Str("grpc", cfg.Server.GRPC),
		logpkg.Str("http", cfg.Server.HTTP),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("state_backend", cfg.StateStore.Backend),
		logpkg.Bool("tracing", tp.Enabled()),
	)

	g, gctx := errgroup.WithContext(sctx)
	if cfg.Server.GRPC != "" {
		gsrv := grpcserver.New(rt, logger)
		g.Go(func() error { return gsrv.ListenAndServe(gctx, cfg.Server.GRPC) })
	}
	if cfg.Server.HTTP != "" {
		hsrv := httpserver.New(rt, logger)
		g.Go(func() error { return hsrv.ListenAndServe(gctx, cfg.Server.HTTP) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	logger.Info("redq server stopped")
	return err
}

func processLogger(c logpkg.Config) logpkg.Logger {
	l, err := logpkg.ApplyConfig(&c)
	if err == nil {
		return l
	}
	lvl := logpkg.InfoLevel
	if parsed, e := logpkg.ParseLevel(c.Level); e == nil {
		lvl = parsed
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
}
