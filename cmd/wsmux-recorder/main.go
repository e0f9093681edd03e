// wsmux-recorder subscribes to the configured channels and appends every
// delivered event to a PostgreSQL table.
//
// Usage:
//
//	wsmux-recorder --config configs/wsmux.yaml
//
// Settings can be overridden with WSMUX_-prefixed environment variables,
// e.g. WSMUX_AUTH_TOKEN or WSMUX_RECORDER_DB_PASSWORD. A .env file in the
// working directory is loaded first when present.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/rickgao/wsmux/internal/auth"
	"github.com/rickgao/wsmux/internal/config"
	"github.com/rickgao/wsmux/internal/connection"
	"github.com/rickgao/wsmux/internal/database"
	"github.com/rickgao/wsmux/internal/mux"
	"github.com/rickgao/wsmux/internal/recorder"
	"github.com/rickgao/wsmux/internal/status"
	"github.com/rickgao/wsmux/internal/version"
)

func main() {
	configPath := flag.StringP("config", "c", "configs/wsmux.yaml", "path to config file")
	envFile := flag.String("env-file", ".env", "dotenv file to load if present")
	createTable := flag.Bool("create-table", true, "create the events table if it does not exist")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithDefaults(*configPath)
	if err == nil {
		err = cfg.ValidateRecorder()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"subscriptions", len(cfg.Subscriptions),
	)

	if err := run(cfg, *createTable, logger); err != nil {
		logger.Error("recorder failed", "error", err)
		os.Exit(1)
	}
	logger.Info("recorder stopped")
}

func run(cfg *config.Config, createTable bool, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	creds, err := auth.LoadCredentials(cfg.Auth.Token, cfg.Auth.TokenFile)
	if err != nil {
		return err
	}
	if creds != nil {
		creds.Scheme = cfg.Auth.Scheme
		creds.HeaderName = cfg.Auth.Header
	}
	logger.Info("credentials", "token", creds.Redacted())
	header := creds.Header()
	header.Set("User-Agent", version.UserAgent())

	db := cfg.Recorder.Database
	logger.Info("connecting to database",
		"host", db.Host,
		"port", db.Port,
		"database", db.Name,
	)
	pool, err := database.Connect(ctx, db, "wsmux-recorder")
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if createTable {
		if err := recorder.EnsureTable(ctx, pool, cfg.Recorder.Table); err != nil {
			return err
		}
	}

	rec := recorder.New(cfg.RecorderConfig(), pool, logger)
	if err := rec.Start(context.Background()); err != nil {
		return err
	}

	observer := status.NewObserver(logger)
	registry := connection.NewRegistry(cfg.RegistryConfig(header), observer, logger)
	m := mux.New(cfg.MuxConfig(), registry, observer, logger)

	// Health server starts before subscribing so connection progress is
	// visible.
	keys := make([]string, 0, len(cfg.Subscriptions))
	seen := make(map[string]bool)
	for _, sub := range cfg.Subscriptions {
		key := connection.EndpointKey(sub.Endpoint, sub.Options(cfg.Connection))
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	healthServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: newHealthHandler(cfg.Health.Path, healthDeps{
			db:       pool,
			observer: observer,
			keys:     keys,
			mux:      m,
			registry: registry,
			recorder: rec,
			logger:   logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	lost := make(chan error, 1)
	for _, sub := range cfg.Subscriptions {
		opts := []mux.SubscribeOption{
			mux.WithOptions(sub.Options(cfg.Connection)),
			mux.WithConnectionLost(func(err error) {
				select {
				case lost <- fmt.Errorf("%s %s: %w", sub.Endpoint, sub.Channel, err):
				default:
				}
			}),
			mux.WithErrorHandler(func(err error) {
				logger.Error("subscription dropped", "endpoint", sub.Endpoint, "channel", sub.Channel, "error", err)
			}),
		}
		if len(sub.Types) > 0 {
			opts = append(opts, mux.WithFilter(sub.Types...))
		}

		if _, err := m.Subscribe(ctx, sub.Endpoint, sub.Channel, rec.Handle, opts...); err != nil {
			shutdown(m, rec, healthServer, logger)
			return fmt.Errorf("subscribe %s %s: %w", sub.Endpoint, sub.Channel, err)
		}
		logger.Info("subscribed", "endpoint", sub.Endpoint, "channel", sub.Channel, "types", sub.Types)
	}

	logger.Info("recorder running",
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-lost:
	}

	shutdown(m, rec, healthServer, logger)
	return runErr
}

// shutdown closes the mux first so no event reaches the recorder after
// its final flush.
func shutdown(m *mux.Mux, rec *recorder.Recorder, healthServer *http.Server, logger *slog.Logger) {
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.Close(ctx); err != nil {
		logger.Warn("mux close", "error", err)
	}
	if err := rec.Stop(ctx); err != nil {
		logger.Warn("recorder stop", "error", err)
	}
	if err := healthServer.Shutdown(ctx); err != nil {
		logger.Warn("health server shutdown", "error", err)
	}
}
