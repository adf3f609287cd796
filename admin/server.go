package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/ermine-db/ermine/cfg"
	"github.com/ermine-db/ermine/manager"
	"github.com/ermine-db/ermine/telemetry"
)

// Server hosts the admin API and the Prometheus metrics endpoint.
type Server struct {
	server *http.Server
}

// NewServer builds the admin HTTP server from configuration.
func NewServer(config cfg.AdminConfiguration, m *manager.Manager) *Server {
	handlers := NewHandlers(m)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/health", handlers.handleHealth)
		r.Get("/storages", handlers.handleListStorages)
		r.Get("/storages/{storage}/digest", handlers.handleStorageDigest)
		r.Get("/storages/{storage}/query", handlers.handleStorageQuery)
	})

	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", config.BindAddress, config.Port),
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.server.Handler
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("Admin server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown failed")
	}
}
