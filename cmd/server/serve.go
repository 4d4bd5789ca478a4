package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Lina4Life/passionart-sub000/internal/config"
	"github.com/Lina4Life/passionart-sub000/internal/logging"
	"github.com/Lina4Life/passionart-sub000/internal/metrics"
	"github.com/Lina4Life/passionart-sub000/internal/server"
	"github.com/Lina4Life/passionart-sub000/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat server",
	Long: `Start the chat server with the specified configuration.

Examples:
  # Start with defaults
  server serve

  # Override the listen address and log level
  server serve --listen :9000 --log-level debug

  # Persist history in SQLite
  CHAT_STORE_DRIVER=sqlite server serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", "", "override listen address")
	serveCmd.Flags().String("log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().String("store", "", "override history backend (memory, sqlite3, sqlite, redis)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	loader := newLoader()
	for key, flag := range map[string]string{
		"server.addr":  "listen",
		"log.level":    "log-level",
		"store.driver": "store",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := loader.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", flag, err)
			}
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	logger.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Store.Driver).Msg("starting chat server")

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(cfg.Metrics.Namespace, registry)
	}

	backend, err := store.New(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		Addr:        cfg.Store.RedisAddr,
		HistorySize: cfg.Store.HistorySize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error().Err(err).Msg("closing message store failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retention := store.NewScheduler(backend, cfg.Store.PruneSchedule, cfg.Store.Retention, logger)
	if err := retention.Start(ctx); err != nil {
		return err
	}
	defer retention.Stop()

	session := server.New(*cfg, backend, server.HeaderIdentity{}, logger, collector)
	go session.Run()

	httpServer := server.CreateServer(cfg.Server, session.SetupRoutes())

	loader.Watch(func(e fsnotify.Event, next *config.Config, err error) {
		reloaded(logger, session, e, next, err)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		var shutdownErr error
		if err := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, logger); err != nil {
			shutdownErr = err
		}
		if err := session.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		return shutdownErr
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

// reloaded applies the parts of a changed configuration that take effect
// without a restart: the log level and the connection policy.
func reloaded(logger zerolog.Logger, session *server.SessionServer, e fsnotify.Event, cfg *config.Config, err error) {
	if err != nil {
		logger.Error().Err(err).Str("file", e.Name).Msg("ignoring invalid configuration change")
		return
	}
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		logger.Error().Err(err).Msg("ignoring invalid log level")
	}
	session.UpdatePolicy(*cfg)
	logger.Info().Str("file", e.Name).Msg("configuration reloaded")
}
