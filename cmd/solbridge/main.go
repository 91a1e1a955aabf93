package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"solbridge/internal/bridge"
	"solbridge/internal/config"
	"solbridge/internal/metrics"
	"solbridge/internal/server"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "path to config file (empty uses defaults)")
	flag.Parse()

	// A .env can carry SOLBRIDGE_UPSTREAM_WS_URL; missing file is fine.
	godotenv.Load()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("upstream", cfg.UpstreamWSURL).
		Msg("starting solbridge")

	m := metrics.New(prometheus.DefaultRegisterer)

	// Create bridge
	b, err := bridge.New(cfg, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create bridge")
	}
	if err := b.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to start bridge")
	}

	// Start HTTP shell
	srv := server.New(cfg, b, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	b.Close()
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	// Set log level
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Configure output
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
