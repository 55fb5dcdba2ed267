// Package server assembles the control API: health probes, build info,
// and job management over chi with request-id and recovery middleware.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/eventmill/eventmill/internal/errors"
	"github.com/eventmill/eventmill/internal/server/handlers"
	"github.com/eventmill/eventmill/internal/server/middleware"
	"github.com/eventmill/eventmill/pkg/jobstore"
)

// Server is the control API server.
type Server struct {
	host string
	port int

	store *jobstore.Store
	log   *zap.Logger

	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration

	router *chi.Mux
}

// Option configures a Server.
type Option func(*Server)

// WithStore attaches the job store, enabling the /api/v1/jobs routes and
// the jobstore health check.
func WithStore(store *jobstore.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithLogger sets the server logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTimeouts sets the HTTP read, write, and idle timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// New builds a server bound to host:port. Job routes are registered only
// when a store is attached; the store health check registers on the global
// health manager, so InitHealthManager should run first.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:            host,
		port:            port,
		log:             zap.NewNop(),
		readTimeout:     30 * time.Second,
		writeTimeout:    30 * time.Second,
		idleTimeout:     120 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.store != nil {
		jobs := handlers.NewJobsHandler(s.store, s.log)
		r.Route("/api/v1/jobs", jobs.Routes)

		if m := handlers.GetHealthManager(); m != nil {
			m.RegisterChecker("jobstore", storeChecker{store: s.store})
		}
	}

	return r
}

// storeChecker probes the job database.
type storeChecker struct {
	store *jobstore.Store
}

// CheckHealth implements handlers.Checker.
func (c storeChecker) CheckHealth(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Handler returns the assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port, or the bound port after Start when
// configured with port 0.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the host:port the server binds to.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Start serves the control API until ctx is cancelled, then shuts down
// gracefully within the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = addr.Port
	}

	httpSrv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	s.log.Info("control api listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control api: %w", err)
	}
	<-errCh
	return nil
}
