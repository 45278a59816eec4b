package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livinlefevreloca/statsync/internal/artifact"
	"github.com/livinlefevreloca/statsync/internal/catalog"
	"github.com/livinlefevreloca/statsync/internal/config"
	"github.com/livinlefevreloca/statsync/internal/db"
	"github.com/livinlefevreloca/statsync/internal/orchestrator"
	"github.com/livinlefevreloca/statsync/internal/provider"
	"github.com/livinlefevreloca/statsync/internal/stats"
	"github.com/livinlefevreloca/statsync/migrations"
	"github.com/livinlefevreloca/statsync/tools/migrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML)")
	mode := flag.String("mode", "", "Run mode: file (fetch only) or db (fetch and load)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	if *mode != "" {
		cfg.Sync.Mode = *mode
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	// Initialize structured logger
	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting statsync",
		"mode", cfg.Sync.Mode,
		"scope", cfg.Sync.Scope,
		"ext_sys", cfg.Provider.ExtSys)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := stats.NewRecorder(stats.NewMetrics(reg))

	if cfg.Metrics.Enabled {
		server := startMetricsServer(cfg.Metrics, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	// Open database connection with pool settings
	slog.Info("connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err, "driver", cfg.Database.Driver)
		return 1
	}
	defer database.Close()

	// Run migrations
	if !cfg.Database.SkipMigrations {
		if err := migrator.RunMigrations(database.DB, migrations.FS); err != nil {
			slog.Error("failed to run migrations", "error", err)
			return 1
		}

		version, err := migrator.GetCurrentVersion(database.DB)
		if err != nil {
			slog.Error("failed to get schema version", "error", err)
			return 1
		}
		slog.Info("database schema ready", "version", version)
	} else {
		slog.Info("skipping migrations", "reason", "configured to skip")
	}

	// Catalog snapshot
	var targets []catalog.Target
	if cfg.Sync.Scope == orchestrator.ScopePart {
		targets = cfg.Sync.Targets
	}
	snap, err := catalog.Load(ctx, database, cfg.Provider.ExtSys, targets, logger)
	if err != nil {
		slog.Error("failed to load catalog", "error", err)
		return 1
	}

	// Artifact storage
	store, err := artifact.Open(ctx, cfg.Artifacts)
	if err != nil {
		slog.Error("failed to open artifact store", "error", err, "backend", cfg.Artifacts.Backend)
		return 1
	}

	client := provider.NewClient(cfg.Provider, nil, recorder, logger)
	orch := orchestrator.New(cfg.Sync, orchestrator.Deps{
		Fetcher:     provider.NewFetcher(client, logger),
		Store:       store,
		Warehouse:   database,
		Recorder:    recorder,
		StatsWriter: stats.NewDBAdapter(database),
	}, logger)

	if cfg.Database.CreateIntegrationTables && cfg.Sync.Mode == orchestrator.ModeDB {
		if err := orch.PrepareIntegrationTables(ctx, snap); err != nil {
			slog.Error("failed to prepare integration tables", "error", err)
			return 1
		}
	}

	report, err := orch.Run(ctx, snap)
	if err != nil {
		if provider.IsRunScoped(err) {
			slog.Error("run aborted by provider failure", "run_id", report.RunID)
		}
		return 1
	}

	slog.Info("statsync finished", "run_id", report.RunID, "watermark_updated", report.WatermarkUpdated)
	return 0
}

// newLogger builds the process logger. A configured file receives the same
// records as stderr.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closeFn, nil
}

func startMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return server
}
