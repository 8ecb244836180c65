// Package api provides the HTTP surface for alert management and change events.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pricewatch/internal/config"
	"pricewatch/internal/logging"
	"pricewatch/internal/models"
	"pricewatch/internal/monitor"
	"pricewatch/internal/notify"
	"pricewatch/internal/reconcile"
	"pricewatch/internal/store"
	"pricewatch/internal/stream"
)

// Monitor is the part of the alert monitor the API drives.
type Monitor interface {
	AddAlert(alert models.Alert) error
	RemoveAlert(id string) bool
	Has(id string) bool
	Status() monitor.Status
}

// Deps holds the collaborators of the server.
type Deps struct {
	Store    store.AlertStore
	Monitor  Monitor
	Feed     *reconcile.Feed
	Notifier notify.Notifier
	// Hub serves /api/stream; optional.
	Hub *stream.Hub
	// Metrics returns process counters; optional.
	Metrics func() map[string]int64
}

// Server is the HTTP server.
type Server struct {
	cfg      config.Config
	store    store.AlertStore
	monitor  Monitor
	feed     *reconcile.Feed
	notifier notify.Notifier
	hub      *stream.Hub
	metrics  func() map[string]int64
	logger   zerolog.Logger
	now      func() time.Time

	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates the server and registers its routes.
func NewServer(cfg config.Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		monitor:  deps.Monitor,
		feed:     deps.Feed,
		notifier: deps.Notifier,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		logger:   logging.WithComponent(logger, "api"),
		now:      time.Now,
	}
	if s.notifier == nil {
		s.notifier = notify.NopNotifier{}
	}
	if s.cfg.Auth.UserIDHeader == "" {
		s.cfg.Auth.UserIDHeader = "X-User-ID"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /api/alerts", s.handleCreateAlert)
	mux.HandleFunc("PUT /api/alerts/{id}", s.handleUpdateAlert)
	mux.HandleFunc("DELETE /api/alerts/{id}", s.handleDeleteAlert)
	mux.HandleFunc("POST /api/alerts/{id}/test", s.handleTestAlert)
	mux.HandleFunc("POST /api/webhooks/alerts", s.handleChangeEvent)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.handler = s.logRequests(s.recoverer(mux))
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
