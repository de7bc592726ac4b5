package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"firestige.xyz/loramesh/internal/config"
	"firestige.xyz/loramesh/internal/log"
)

// Server serves a Prometheus gatherer and a health endpoint over HTTP.
type Server struct {
	cfg      config.MetricsConfig
	gatherer prometheus.Gatherer
	health   func() error

	listener net.Listener
	server   *http.Server
	logger   log.Logger
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithGatherer serves g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck makes the health endpoint answer 503 while fn fails.
func WithHealthCheck(fn func() error) ServerOption {
	return func(s *Server) { s.health = fn }
}

// NewServer creates a metrics server for cfg. Empty paths get their defaults.
func NewServer(cfg config.MetricsConfig, opts ...ServerOption) *Server {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	s := &Server{
		cfg:      cfg,
		gatherer: prometheus.DefaultGatherer,
		logger:   log.GetLogger().WithFields(map[string]interface{}{"listen": cfg.Listen, "path": cfg.Path}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the mux serving the metrics and health paths.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog:      scrapeLog{s.logger},
		ErrorHandling: promhttp.ContinueOnError,
		Timeout:       s.cfg.ScrapeTimeoutDuration,
	}))
	mux.HandleFunc(s.cfg.HealthPath, s.serveHealth)
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// Start binds the listen address and serves in the background. A bind
// failure is returned rather than logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.WithField("addr", ln.Addr().String()).Info("metrics server listening")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("metrics server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	s.logger.Info("metrics server stopped")
	return nil
}

// scrapeLog routes promhttp errors to the node logger.
type scrapeLog struct{ logger log.Logger }

func (l scrapeLog) Println(v ...interface{}) { l.logger.Warn(fmt.Sprint(v...)) }
