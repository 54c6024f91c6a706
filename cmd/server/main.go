package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdobak/go-xerrors"
	"golang.org/x/sync/errgroup"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/config"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/engine"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/history"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/metrics"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/server"
	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/template"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "callscore"
	serviceVersion    = "1.0.0"

	preloadConcurrency = 4
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_streams", cfg.Server.MaxConcurrentStreams),
		slog.Int("workers", cfg.Server.Workers),
		slog.Int("canonical_rate", cfg.Templates.CanonicalRate),
		slog.String("audio_dir", cfg.Templates.AudioDir),
		slog.String("remote_endpoint", cfg.Templates.Remote.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(nil)
	logger.Info("Prometheus metrics initialized")

	engineCfg := cfg.EngineConfig()

	stores, remote, err := openStores(cfg.Templates, logger)
	if err != nil {
		return err
	}
	library := template.NewLibrary(cfg.Templates.CanonicalRate, engineCfg.BuildConfig,
		template.WithStores(stores...),
		template.WithAudioSource(template.WAVDir{Dir: cfg.Templates.AudioDir}),
		template.WithLibraryLogger(logger),
	)
	defer library.Close()

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithObserver(appMetrics),
	}

	var attempts *history.Store
	if cfg.History.Enabled {
		attempts, err = history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer attempts.Close()
		opts = append(opts, engine.WithFinalizeHook(attempts.Hook(logger)))
		logger.Info("History store opened", slog.String("path", cfg.History.Path))
	}

	eng, err := engine.New(engineCfg, library, opts...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()

	if err := preload(ctx, library, cfg.Templates, logger); err != nil {
		return err
	}

	udpServer := server.NewUDPServer(&cfg.Server, logger, eng, server.WithPacketRecorder(appMetrics))

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpOpts := []server.HTTPOption{}
		if attempts != nil {
			httpOpts = append(httpOpts, server.WithHistory(attempts))
		}
		if remote != nil {
			httpOpts = append(httpOpts, server.WithRemoteStore(remote))
		}
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, eng, udpServer, appMetrics, httpOpts...)
	}

	if err := udpServer.Start(); err != nil {
		return fmt.Errorf("start UDP server: %w", err)
	}
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			udpServer.Stop()
			return fmt.Errorf("start HTTP server: %w", err)
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.UDPPort)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		// HTTP first so no new requests observe a half-stopped engine.
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping HTTP server", slog.Any("error", xerrors.New(err)))
			}
		}
		return udpServer.Stop()
	})
	if err := g.Wait(); err != nil {
		return err
	}

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Int("sessions_left", eng.ActiveSessions()),
	)
	return nil
}

// openStores builds the feature cache chain: badger, then the cache
// directory, then the remote fetcher. Writes go to the writable ones.
func openStores(cfg config.TemplatesConfig, logger *slog.Logger) ([]template.Store, *template.RemoteStore, error) {
	var stores []template.Store

	if cfg.BadgerDir != "" {
		db, err := template.OpenBadger(template.BadgerOptions{Dir: cfg.BadgerDir, Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		stores = append(stores, db)
	}

	if cfg.CacheDir != "" {
		dir, err := template.NewDirStore(cfg.CacheDir)
		if err != nil {
			closeStores(stores)
			return nil, nil, fmt.Errorf("open cache dir: %w", err)
		}
		stores = append(stores, dir)
	}

	var remote *template.RemoteStore
	if rc, ok := cfg.RemoteStoreConfig(); ok {
		var err error
		remote, err = template.NewRemoteStore(rc)
		if err != nil {
			closeStores(stores)
			return nil, nil, fmt.Errorf("create remote store: %w", err)
		}
		stores = append(stores, remote)
	}

	logger.Info("Template stores ready",
		slog.Int("stores", len(stores)),
		slog.Bool("badger", cfg.BadgerDir != ""),
		slog.Bool("remote", remote != nil),
	)
	return stores, remote, nil
}

func closeStores(stores []template.Store) {
	for _, s := range stores {
		s.Close()
	}
}

// preload loads the configured master calls at the canonical rate so the
// first sessions do not pay for feature extraction.
func preload(ctx context.Context, lib *template.Library, cfg config.TemplatesConfig, logger *slog.Logger) error {
	if len(cfg.Preload) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for _, id := range cfg.Preload {
		g.Go(func() error {
			t, err := lib.Get(gctx, id, cfg.CanonicalRate)
			if err != nil {
				return fmt.Errorf("preload %q: %w", id, err)
			}
			logger.Info("Master call preloaded",
				slog.String("master_id", id),
				slog.Int("frames", t.Len()),
				slog.Duration("duration", t.Duration()),
			)
			return nil
		})
	}
	return g.Wait()
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
