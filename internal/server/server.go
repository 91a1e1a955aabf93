// Package server exposes the bridge over HTTP: streaming subscription
// endpoints, the subscription inventory and health/metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"solbridge/internal/bridge"
	"solbridge/internal/config"
)

// Server represents the HTTP transport shell around a Bridge
type Server struct {
	cfg    *config.Config
	bridge *bridge.Bridge
	http   *http.Server
	logger zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, b *bridge.Bridge, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		bridge: b,
		logger: logger.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /subscribe/account", s.handleSubscribeAccount)
	mux.HandleFunc("GET /subscribe/signature", s.handleSubscribeSignature)
	mux.HandleFunc("GET /subscribe/logs", s.handleSubscribeLogs)
	mux.HandleFunc("GET /subscribe/program", s.handleSubscribeProgram)
	mux.HandleFunc("GET /subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("GET /subscriptions/{id}/events", s.handleRecentEvents)
	mux.HandleFunc("DELETE /subscriptions/{id}", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// No WriteTimeout: the subscribe endpoints hold the response open
	// for as long as the stream lives.
	s.http = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Handler returns the route mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go func() {
		s.logger.Info().
			Str("addr", s.http.Addr).
			Msg("starting HTTP server")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}
