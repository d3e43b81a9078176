package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/opsdesk/opsvoice/internal/app"
	"github.com/opsdesk/opsvoice/internal/config"
	"github.com/opsdesk/opsvoice/internal/log"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: agent.yaml in working directory)")
		selfID     = flag.String("self-id", "", "identity this agent answers calls for (overrides config)")
		relayURL   = flag.String("relay-url", "", "relay WebSocket URL (overrides config)")
		logLevel   = flag.String("log-level", "", "log level override (debug, info, warn, error)")
	)
	flag.Parse()

	bootLog := log.New("info")
	cfg, cfgPath, err := config.LoadAgent(bootLog, *configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load config")
	}
	if *selfID != "" {
		cfg.SelfID = *selfID
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := log.New(cfg.LogLevel)
	logger.Info().Str("config", cfgPath).Str("self_id", cfg.SelfID).Msg("starting opsvoice agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewAgent(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize agent")
	}

	if err := application.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("agent exited with error")
	}
	logger.Info().Msg("agent stopped")
}
