package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"fleetops/warden/pkg/api"
	"fleetops/warden/pkg/config"
	"fleetops/warden/pkg/server/middleware"
	"fleetops/warden/pkg/telemetry/health"
	"fleetops/warden/pkg/telemetry/tracing"
)

// Options are the handlers the server mounts. Nil fields are skipped.
type Options struct {
	API    *api.Handler
	Health *health.Checker

	// Metrics is served at MetricsPath, "/metrics" when empty.
	Metrics     http.Handler
	MetricsPath string

	// Tracer creates a server span per request.
	Tracer trace.Tracer

	// TLS serves HTTPS when set.
	TLS *tls.Config

	// Auth wraps the /v1 routes. Health and metrics stay open.
	Auth func(http.Handler) http.Handler

	Version   string
	Commit    string
	BuildTime string
}

// Server is Warden's HTTP server.
type Server struct {
	config       *config.ServiceConfig
	opts         Options
	httpServer   *http.Server
	listener     net.Listener
	logger       *slog.Logger
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// NewServer creates a server.
func NewServer(cfg *config.ServiceConfig, opts Options) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	return &Server{
		config: cfg,
		opts:   opts,
		logger: slog.Default().With("component", "server"),
	}
}

// Start listens on the configured address and blocks until ctx is
// cancelled or the listener fails. Cancellation triggers a graceful
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	scheme := "http"
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
		scheme = "https"
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:        s.setupRoutes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		BaseContext:    func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting warden server", "address", ln.Addr().String(), "scheme", scheme)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}
}

// Shutdown gracefully stops the server, waiting up to ShutdownTimeout for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.RLock()
		running := s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		s.logger.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		s.logger.Info("warden server stopped")
	})

	return shutdownErr
}

// setupRoutes builds the mux and the middleware chain.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	if s.opts.API != nil {
		if s.opts.Auth != nil {
			api := http.NewServeMux()
			s.opts.API.Register(api)
			mux.Handle("/v1/", s.opts.Auth(api))
		} else {
			s.opts.API.Register(mux)
		}
	}
	if s.opts.Health != nil {
		health.Register(mux, s.opts.Health, s.opts.Version, s.opts.Commit, s.opts.BuildTime)
	}
	if s.opts.Metrics != nil {
		mux.Handle("GET "+s.opts.MetricsPath, s.opts.Metrics)
	}

	var handler http.Handler = mux
	handler = middleware.Timeout(s.config.WriteTimeout)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Logging(handler)
	if s.opts.Tracer != nil {
		handler = tracing.HTTPMiddleware(s.opts.Tracer)(handler)
	}

	// Recovery middleware (outermost)
	handler = middleware.Recovery(handler)

	return handler
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the routed and wrapped handler without starting a
// listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}
