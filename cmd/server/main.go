/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rateio engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file, RATEIO_* environment, defaults)
  2. Apply command-line overrides
  3. Build the zap logger
  4. Initialize SQLite store
  5. Create API handler and router
  6. Start the close watcher
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (default: $RATEIO_CONFIG)
  -port    HTTP server port (overrides server.port)
  -db      SQLite database path (overrides db.path)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the close watcher
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/rateio.db"

  # Run with in-memory database and strict parsing
  RATEIO_ENGINE_PARSE_MODE=strict ./server -db=":memory:"

  # Run with a config file
  ./server -config=./rateio.yaml

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/solarshare/rateio-engine/api"
	"github.com/solarshare/rateio-engine/config"
	"github.com/solarshare/rateio-engine/factory"
	"github.com/solarshare/rateio-engine/logging"
	"github.com/solarshare/rateio-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rateio: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", os.Getenv("RATEIO_CONFIG"), "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	opts, err := handlerOptions(cfg)
	if err != nil {
		return err
	}

	if cfg.DB.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	handler := api.NewHandler(store, logger, opts)
	router := api.NewRouter(handler, cfg.CORS.AllowedOrigins)

	watcher := api.NewCloseWatcher(store, handler.Metrics, logger)
	watcher.Enabled = cfg.Scheduler.Enabled
	watcher.CheckInterval = cfg.Scheduler.Interval
	watcher.Start()
	defer watcher.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.DB.Path),
			zap.String("parse_mode", string(opts.ParseMode)),
			zap.String("aggregate_tolerance_kwh", opts.AggregateTolerance.String()),
			zap.String("entry_tolerance_kwh", opts.EntryTolerance.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	watcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func handlerOptions(cfg config.Config) (api.Options, error) {
	opts := api.DefaultOptions()

	agg, err := cfg.Engine.AggregateTolerance()
	if err != nil {
		return opts, fmt.Errorf("engine.aggregate_tolerance_kwh: %w", err)
	}
	entry, err := cfg.Engine.EntryTolerance()
	if err != nil {
		return opts, fmt.Errorf("engine.entry_tolerance_kwh: %w", err)
	}
	mode, err := factory.ParseMode(cfg.Engine.ParseMode)
	if err != nil {
		return opts, fmt.Errorf("engine.parse_mode: %w", err)
	}

	opts.AggregateTolerance = agg
	opts.EntryTolerance = entry
	opts.ParseMode = mode
	opts.RejectOverAllocation = cfg.Allocation.RejectOverAllocation
	return opts, nil
}
