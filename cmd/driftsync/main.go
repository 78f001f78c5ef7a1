package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/driftsynchq/driftsync/internal/cache"
	"github.com/driftsynchq/driftsync/internal/config"
	"github.com/driftsynchq/driftsync/internal/connectivity"
	"github.com/driftsynchq/driftsync/internal/coordinator"
	"github.com/driftsynchq/driftsync/internal/events"
	"github.com/driftsynchq/driftsync/internal/observability"
	"github.com/driftsynchq/driftsync/internal/oplog"
	"github.com/driftsynchq/driftsync/internal/policy"
	"github.com/driftsynchq/driftsync/internal/remote"
	"github.com/driftsynchq/driftsync/internal/server"
)

var (
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "driftsync",
	Short: "DriftSync is an offline-first synchronization core",
	Long:  "A local-first sync engine: durable operation log, encrypted cache, policy-gated transmission, and deterministic conflict resolution.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the DriftSync engine and HTTP API",
	RunE:  runServe,
}

var (
	configPath      string
	bindAddr        string
	dataDir         string
	cacheStore      string
	remoteURL       string
	syncInterval    = 5 * time.Minute
	compactInterval = 10 * time.Minute
	shutdownTimeout = 2 * time.Second
	otelEnabled     bool
	otelEndpoint    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	serveCmd.Flags().StringVar(&bindAddr, "bind", ":8347", "HTTP server bind address")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for the operation log and cache")
	serveCmd.Flags().StringVar(&cacheStore, "cache-store", "pebble", "Cache backend: pebble or badger")
	serveCmd.Flags().StringVar(&remoteURL, "remote-url", "", "Base URL of the sync endpoint")
	serveCmd.Flags().DurationVar(&syncInterval, "sync-interval", 5*time.Minute, "Periodic sync trigger interval (0 disables)")
	serveCmd.Flags().DurationVar(&compactInterval, "compact-interval", 10*time.Minute, "Cache compaction sweep interval (0 disables)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Second, "Graceful HTTP shutdown timeout")
	serveCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serveCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(serveCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	// Flags override the file only when set explicitly.
	if cmd.Flags().Changed("bind") {
		cfg.Server.Listen = bindAddr
	}
	if cmd.Flags().Changed("data-dir") || cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if cmd.Flags().Changed("cache-store") {
		cfg.Cache.Store = cacheStore
	}
	if cmd.Flags().Changed("remote-url") {
		cfg.Sync.RemoteURL = remoteURL
	}
	if cmd.Flags().Changed("otel-enabled") {
		cfg.Observability.OTelEnabled = otelEnabled
	}
	if cmd.Flags().Changed("otel-endpoint") {
		cfg.Observability.OTelEndpoint = otelEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	slog.Info("starting driftsync",
		"bind", cfg.Server.Listen,
		"data_dir", cfg.DataDir,
		"cache_store", cfg.Cache.Store,
		"remote_url", cfg.Sync.RemoteURL,
		"sync_interval", syncInterval,
		"encrypted_cache", cfg.Cache.EncryptionKey != "",
		"otel_enabled", cfg.Observability.OTelEnabled,
	)

	otelShutdown, err := observability.InitTracer(cfg.Observability.OTelEnabled, "driftsync", cfg.Observability.OTelEndpoint,
		attribute.String("driftsync.cache_backend", cfg.Cache.Store),
		attribute.String("driftsync.data_dir", cfg.DataDir),
	)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	schemas, err := cfg.Schemas()
	if err != nil {
		return fmt.Errorf("compile kind schemas: %w", err)
	}
	log, err := oplog.Open(cfg.DataDir, schemas)
	if err != nil {
		return fmt.Errorf("open operation log: %w", err)
	}
	defer log.Close()
	log.SetRetryPolicy(cfg.RetryPolicy())

	bus := events.NewBus()

	store, err := cache.OpenAt(cfg.Cache.Store, filepath.Join(cfg.DataDir, "cache"), cache.Options{
		EncryptionKey: cfg.EncryptionKey(),
		SizeBudget:    cfg.Cache.SizeBudgetBytes,
		OnCorruption: func(key string) {
			bus.Publish(events.TypeCorruptionDetected, map[string]any{"key": key})
		},
	})
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	gate, err := policy.New(cfg.PolicyConfig())
	if err != nil {
		return fmt.Errorf("build policy gate: %w", err)
	}

	monitor := connectivity.NewMonitor(connectivity.WithDebounce(cfg.Debounce()))
	if cfg.Sync.RemoteURL == "" {
		slog.Warn("no remote-url configured; sync sessions will fail until one is set")
	}
	endpoint := remote.NewClient(cfg.Sync.RemoteURL)

	coord := coordinator.New(log, store, gate, endpoint, monitor, bus, cfg.ResolveRules(), coordinator.Options{
		MaxBatch:         cfg.Sync.MaxBatch,
		Concurrency:      cfg.Sync.Concurrency,
		BreakerThreshold: cfg.Sync.BreakerThreshold,
		SyncInterval:     syncInterval,
		EncryptSensitive: cfg.Cache.EncryptionKey != "",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go coord.Run(ctx)

	if compactInterval > 0 {
		go func() {
			ticker := time.NewTicker(compactInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					res, err := store.Compact()
					if err != nil {
						slog.Warn("cache compaction failed", "error", err)
						continue
					}
					if res.Expired > 0 || res.Evicted > 0 {
						slog.Info("cache compacted", "expired", res.Expired, "evicted", res.Evicted)
					}
				}
			}
		}()
	}

	srv := server.New(log, store, coord, monitor, bus, cfg.Server.Listen)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "error", err)
	}
	return nil
}
