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
		configPath = flag.String("config", "", "path to config file (default: relay.yaml in working directory)")
		logLevel   = flag.String("log-level", "", "log level override (debug, info, warn, error)")
	)
	flag.Parse()

	bootLog := log.New("info")
	cfg, cfgPath, err := config.LoadRelay(bootLog, *configPath)
	if err != nil {
		bootLog.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load config")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := log.New(cfg.LogLevel)
	logger.Info().Str("config", cfgPath).Msg("starting opsvoice relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewRelay(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize relay")
	}

	if err := application.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("relay exited with error")
	}
	logger.Info().Msg("relay stopped")
}
