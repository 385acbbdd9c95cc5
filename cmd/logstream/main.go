package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mareekkk/logstream/internal/archive"
	"github.com/mareekkk/logstream/internal/config"
	"github.com/mareekkk/logstream/internal/dispatch"
	"github.com/mareekkk/logstream/internal/gate"
	"github.com/mareekkk/logstream/internal/meta"
	"github.com/mareekkk/logstream/internal/metrics"
	"github.com/mareekkk/logstream/internal/offsets"
	"github.com/mareekkk/logstream/internal/serve"
	"github.com/mareekkk/logstream/internal/source"
	"github.com/mareekkk/logstream/internal/store"
	"github.com/mareekkk/logstream/internal/sweep"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to configuration file (defaults and LOGSTREAM_ env vars apply without one)")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("logstream %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metaStore, err := meta.NewBoltStore(filepath.Join(cfg.Storage.Dir, "manifest.db"), logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening manifest: %w", err)
	}
	defer metaStore.Close()

	st, err := store.Open(cfg.Storage, metaStore, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	tracker, err := offsets.NewTracker(ctx, cfg.Consumers, metaStore, logger)
	if err != nil {
		return fmt.Errorf("loading consumer registrations: %w", err)
	}

	g := gate.New(cfg.Ingest, st, logger)

	d := dispatch.New(cfg.Dispatch, st, tracker, logger)
	// Deferred so delivery loops stop before the store closes underneath them.
	defer d.Shutdown()

	var arch *archive.Archiver
	if cfg.Archive.Enabled {
		arch, err = archive.New(ctx, cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("creating archive client: %w", err)
		}
		if err := arch.Ping(ctx); err != nil {
			return fmt.Errorf("archive bucket unreachable: %w", err)
		}
	}

	var sweepArchiver sweep.Archiver
	if arch != nil {
		sweepArchiver = arch
	}
	sweeper := sweep.New(sweep.SweeperConfig{
		Retention: cfg.Retention,
		Store:     st,
		Tracker:   tracker,
		Meta:      metaStore,
		Archiver:  sweepArchiver,
		Consumers: d,
		Logger:    logger,
	})
	if err := sweeper.ResumePending(ctx); err != nil {
		return fmt.Errorf("resuming interrupted sweeps: %w", err)
	}

	var src *source.Source
	var sourceHealthy func() bool
	if cfg.Source.Enabled {
		src = source.New(cfg.Source, g, logger)
		sourceHealthy = src.Healthy
	}

	var pinger metrics.ArchivePinger
	if arch != nil {
		pinger = arch
	}
	hc := metrics.NewHealthChecker(st, metaStore, sourceHealthy, pinger)

	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error { return sweeper.Run(gctx) })
	eg.Go(func() error {
		return serve.RunHTTP(gctx, cfg.Server, cfg.Retention, g, st, tracker, d, hc, logger)
	})
	if src != nil {
		eg.Go(func() error { return src.Run(gctx) })
	}
	if cfg.Observability.Metrics.Enabled {
		eg.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	logger.Info("logstream started",
		zap.String("version", version),
		zap.String("listen", cfg.Server.Listen),
		zap.String("storage_dir", cfg.Storage.Dir),
		zap.Uint64("high_water", st.HighWater()),
		zap.Bool("source", cfg.Source.Enabled),
		zap.Bool("archive", cfg.Archive.Enabled),
	)

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
