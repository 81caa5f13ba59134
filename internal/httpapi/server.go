package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/groutine"
	"github.com/srg/blesense/internal/storage"
)

// Options configures the HTTP listener
type Options struct {
	Listen          string        `yaml:"listen" default:"0.0.0.0:8000"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"60s"`
	// AllowedOrigins enables CORS for browser dashboards; empty disables it
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Server serves the API until its context is cancelled
type Server struct {
	opts   Options
	logger *logrus.Logger
	srv    *http.Server
}

// NewServer wraps the router with request logging, panic recovery and optional CORS
func NewServer(opts Options, store storage.Store, status StatusSource, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	return &Server{
		opts:   opts,
		logger: logger,
		srv: &http.Server{
			Addr:              opts.Listen,
			Handler:           Handler(opts, store, status, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler builds the middleware-wrapped API handler
func Handler(opts Options, store storage.Store, status StatusSource, logger *logrus.Logger) http.Handler {
	var h http.Handler = NewRouter(store, status, logger)
	if len(opts.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(opts.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet}),
		)(h)
	}
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(logger), handlers.PrintRecoveryStack(true))(h)
	return handlers.LoggingHandler(logger.WriterLevel(logrus.DebugLevel), h)
}

// Run listens on opts.Listen and shuts down gracefully when ctx is done
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.WithField("listen", ln.Addr().String()).Info("HTTP server started")

	errCh := make(chan error, 1)
	groutine.Go(ctx, "http-server", func(_ context.Context) {
		errCh <- s.srv.Serve(ln)
	})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.logger.WithField("timeout", s.opts.ShutdownTimeout).Info("Shutting down HTTP server...")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}
