// Package server constructs and starts the HTTP service with helpers that
// apply the configured timeouts.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Lina4Life/passionart-sub000/internal/config"
)

// CreateServer creates an HTTP server for handler using the listener
// settings of cfg.
func CreateServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// StartServer listens until the server is shut down. A clean shutdown is not
// reported as an error.
func StartServer(server *http.Server, logger zerolog.Logger) error {
	logger.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting
// active requests. It waits for them to finish or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger zerolog.Logger) error {
	logger.Info().Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	logger.Info().Msg("HTTP server shutdown completed")
	return nil
}
