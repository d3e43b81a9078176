package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsdesk/opsvoice/internal/agent"
	"github.com/opsdesk/opsvoice/internal/config"
	"github.com/opsdesk/opsvoice/internal/coord"
	"github.com/opsdesk/opsvoice/internal/media"
	"github.com/opsdesk/opsvoice/internal/ringtone"
	"github.com/opsdesk/opsvoice/internal/signal/wsclient"
	"github.com/opsdesk/opsvoice/internal/webrtcengine"
)

// AgentApp wires one call endpoint: relay client, coordinator, media
// pipeline, ringtone playback and the local control API.
type AgentApp struct {
	cfg      config.AgentConfig
	log      *zerolog.Logger
	relay    *wsclient.Client
	coord    *coord.Coordinator
	notifier *agent.Notifier
	ringer   *ringtone.Ringer
	server   *stdhttp.Server
}

// NewAgent constructs the agent application with provided configuration.
func NewAgent(cfg config.AgentConfig, logger *zerolog.Logger) (*AgentApp, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("self_id is required")
	}

	relayClient := wsclient.New(wsclient.Config{
		URL:         cfg.RelayURL,
		UserID:      cfg.SelfID,
		DisplayName: cfg.DisplayName,
	}, logger)

	endpoint, err := media.NewEndpoint(logger)
	if err != nil {
		return nil, fmt.Errorf("init media endpoint: %w", err)
	}
	engines := webrtcengine.NewFactory(webrtcengine.Config{ICEServers: cfg.STUNServers}, endpoint, logger)

	player, err := ringtone.NewMalgoPlayer(logger)
	if err != nil {
		return nil, fmt.Errorf("init audio playback: %w", err)
	}
	interval := cfg.RingInterval
	if interval <= 0 {
		interval = ringtone.DefaultInterval
	}
	ringer := ringtone.New(player, interval, logger)

	directory, err := agent.NewRelayDirectory(cfg.RelayURL, logger)
	if err != nil {
		player.Close()
		return nil, fmt.Errorf("init directory client: %w", err)
	}

	coordinator := coord.New(coord.Config{
		SelfID:      cfg.SelfID,
		RingTimeout: cfg.RingTimeout,
	}, relayClient, endpoint, engines, ringer, directory, logger)

	notifier := agent.NewNotifier()
	server := agent.NewServer(coordinator, engines, notifier, cfg, logger)

	return &AgentApp{
		cfg:      cfg,
		log:      logger,
		relay:    relayClient,
		coord:    coordinator,
		notifier: notifier,
		ringer:   ringer,
		server:   server,
	}, nil
}

// Run starts the relay connection, the coordinator and the control API and
// blocks until context cancellation or fatal error.
func (a *AgentApp) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	coordErr := make(chan error, 1)

	go a.relay.Run(ctx)
	go a.notifier.Run(ctx, a.coord.Notifications())
	go func() {
		coordErr <- a.coord.Run(ctx)
	}()

	go func() {
		a.log.Info().Str("addr", a.cfg.APIAddr).Str("self_id", a.cfg.SelfID).Msg("agent listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		cancel()
		a.cleanup()
		return err
	case err := <-coordErr:
		cancel()
		a.shutdownServer()
		a.cleanup()
		return err
	case <-ctx.Done():
		a.shutdownServer()
		a.cleanup()
		return <-serverErr
	}
}

func (a *AgentApp) shutdownServer() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	a.log.Info().Msg("shutting down agent")
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("api shutdown")
	}
}

func (a *AgentApp) cleanup() {
	// Hang up before releasing audio so the counterparty sees a call-end.
	endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	a.coord.EndCall(endCtx)
	cancel()

	a.relay.Close()
	// Closing the ringer also releases the playback backend it owns.
	if err := a.ringer.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close audio playback")
	}
}
