// Package api serves the host's HTTP surface: health and metrics for
// operators, plus a bearer-protected view of loaded plugins and their
// metadata.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/pluginhost/internal/events"
	"github.com/mattjoyce/pluginhost/internal/metadata"
	"github.com/mattjoyce/pluginhost/internal/plugin"
)

// PluginRegistry lists loaded plugins.
type PluginRegistry interface {
	Get(id string) (plugin.Descriptor, bool)
	All() []plugin.Descriptor
}

// MetadataSource is one extension's metadata loader.
type MetadataSource interface {
	Store() *metadata.Store
	Refresh(ctx context.Context, pluginID string) (metadata.Metadata, error)
}

// SettingsNotifier queues plugin settings changes.
type SettingsNotifier interface {
	Notify(pluginID string, settings map[string]string) bool
}

// Config holds API server configuration.
type Config struct {
	Listen string
	APIKey string
}

// Server is the HTTP API server.
type Server struct {
	config   Config
	registry PluginRegistry
	sources  []MetadataSource
	settings SettingsNotifier
	events   *events.Hub
	health   healthcheck.Handler
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	server    *http.Server
	startedAt time.Time
}

// New creates a server. health may carry extra readiness checks; a nil
// gatherer serves the default prometheus registry.
func New(config Config, registry PluginRegistry, sources []MetadataSource, settings SettingsNotifier,
	hub *events.Hub, health healthcheck.Handler, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if health == nil {
		health = healthcheck.NewHandler()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		registry:  registry,
		sources:   sources,
		settings:  settings,
		events:    hub,
		health:    health,
		gatherer:  gatherer,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.health.LiveEndpoint)
	r.Get("/readyz", s.health.ReadyEndpoint)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/plugins", s.handleListPlugins)
		r.Get("/plugins/{id}", s.handleGetPlugin)
		r.Post("/plugins/{id}/metadata/refresh", s.handleRefreshMetadata)
		r.Put("/plugins/{id}/settings", s.handlePutSettings)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
