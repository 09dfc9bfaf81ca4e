// Package server exposes the service's HTTP surface: Prometheus metrics,
// a JSON snapshot of current sensor state, and a health probe.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/helpdesk-tools/freescout-sensors/internal/state"
)

const shutdownTimeout = 5 * time.Second

// Config holds the HTTP server settings.
type Config struct {
	Host           string
	Port           int
	RateLimit      float64
	RateLimitBurst int
}

// Server serves the sensor snapshot and metrics endpoints.
type Server struct {
	store      *state.Store
	cfg        Config
	registry   *prometheus.Registry
	logger     *logrus.Logger
	httpServer *http.Server
}

// New creates a Server reading from the given state store and exposing
// the given Prometheus registry on /metrics.
func New(store *state.Store, cfg Config, registry *prometheus.Registry, logger *logrus.Logger) *Server {
	return &Server{
		store:    store,
		cfg:      cfg,
		registry: registry,
		logger:   logger,
	}
}

// Handler builds the routed and middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/v1/sensors", s.handleSensors)
	mux.HandleFunc("/healthz", s.handleHealth)

	metrics := NewMetrics(s.registry)
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateLimitBurst)

	return Chain(mux,
		RequestIDMiddleware(),         // assign the ID first so everything can log it
		RateLimitMiddleware(limiter),  // shed load early
		LoggingMiddleware(s.logger),   // log all requests
		metrics.Middleware(),          // record what got through
	)
}

// Start binds the listener and serves in the background until ctx is
// cancelled. A bind failure is returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("http server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("http server shutdown error")
		}
	}()

	s.logger.WithField("addr", addr).Info("http server listening")
	return nil
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	if err := json.NewEncoder(w).Encode(s.store.Snapshot()); err != nil {
		s.logger.WithError(err).Error("failed to encode sensor snapshot")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}
