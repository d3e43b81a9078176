// Package app wires the relay and agent binaries together: storage,
// signaling, media and transport, plus graceful shutdown for both.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/config"
	"github.com/opsdesk/opsvoice/internal/relay"
	"github.com/opsdesk/opsvoice/internal/store"
	"github.com/opsdesk/opsvoice/internal/store/sqlite"
	transporthttp "github.com/opsdesk/opsvoice/internal/transport/http"
)

// RelayApp wires the signaling relay: SQLite persistence, the fan-out hub
// and the HTTP/WebSocket server.
type RelayApp struct {
	cfg    config.RelayConfig
	server *stdhttp.Server
	hub    *relay.Hub
	store  store.Store
	log    *zerolog.Logger
}

// NewRelay constructs the relay application with provided configuration.
func NewRelay(cfg config.RelayConfig, logger *zerolog.Logger) (*RelayApp, error) {
	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DBPath).Msg("database initialized")

	hub := relay.NewHub(st, cfg.ReplayLimit, logger)
	server := transporthttp.NewServer(hub, st, cfg, logger)

	return &RelayApp{
		cfg:    cfg,
		server: server,
		hub:    hub,
		store:  st,
		log:    logger,
	}, nil
}

// Run starts the hub and HTTP server and blocks until context cancellation
// or fatal error.
func (a *RelayApp) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.hub.Run(ctx)
	go a.retentionLoop(ctx)

	go func() {
		a.log.Info().Str("addr", a.cfg.Addr).Msg("relay listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down relay")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// retentionLoop periodically purges stored signaling rows past the
// retention window. Delivered rows only matter for reconnect replay, so the
// window can stay short.
func (a *RelayApp) retentionLoop(ctx context.Context) {
	if a.cfg.SignalRetention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-a.cfg.SignalRetention)
			n, err := a.store.PurgeSignalsBefore(ctx, cutoff)
			if err != nil {
				a.log.Warn().Err(err).Msg("signal purge failed")
				continue
			}
			if n > 0 {
				a.log.Info().Int64("rows", n).Msg("purged expired signals")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *RelayApp) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
