package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/sensorlink/internal/config"
	apperrors "github.com/zsiec/sensorlink/internal/errors"
	"github.com/zsiec/sensorlink/internal/health"
	"github.com/zsiec/sensorlink/internal/logger"
)

// HealthCheckInterval is how often the periodic health checks run.
const HealthCheckInterval = 15 * time.Second

// Server is the HTTP API: health, version and whatever routes callers
// register (the device API).
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	logger       logger.Logger
	healthMgr    *health.Manager
	errorHandler *apperrors.ErrorHandler

	// Additional handlers can be registered
	additionalRoutes []func(*mux.Router)
	routesOnce       sync.Once

	mu       sync.Mutex
	listener net.Listener
}

// New creates a server. checkers are registered with its health manager.
func New(cfg *config.ServerConfig, log logger.Logger, checkers ...health.Checker) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	healthMgr := health.NewManager(log)
	for _, c := range checkers {
		healthMgr.Register(c)
	}

	return &Server{
		config:           cfg,
		router:           mux.NewRouter(),
		logger:           log.WithField("component", "http_server"),
		healthMgr:        healthMgr,
		errorHandler:     apperrors.NewErrorHandler(log),
		additionalRoutes: make([]func(*mux.Router), 0),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.setupRoutes()

	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	srv := s.httpServer
	s.mu.Unlock()

	go s.healthMgr.StartPeriodicChecks(ctx, HealthCheckInterval)

	s.logger.WithField("addr", ln.Addr().String()).Info("Starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// setupRoutes configures middleware and routes once.
func (s *Server) setupRoutes() {
	s.routesOnce.Do(func() {
		s.router.Use(s.requestIDMiddleware)
		s.router.Use(s.requestLoggerMiddleware)
		s.router.Use(s.errorHandler.Middleware)
		s.router.Use(s.metricsMiddleware)
		s.router.Use(s.corsMiddleware)

		healthHandler := health.NewHandler(s.healthMgr)
		s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods("GET")
		s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods("GET")
		s.router.HandleFunc("/live", healthHandler.HandleLive).Methods("GET")

		s.router.HandleFunc("/version", s.handleVersion).Methods("GET")

		for _, registerFunc := range s.additionalRoutes {
			registerFunc(s.router)
		}

		// Preflight requests for any route.
		s.router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

		s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
		s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
	})
}

// RegisterRoutes adds additional route handlers to the server. It must be
// called before Start or Handler.
func (s *Server) RegisterRoutes(registerFunc func(*mux.Router)) {
	s.additionalRoutes = append(s.additionalRoutes, registerFunc)
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	s.setupRoutes()
	return s.router
}

// HealthManager exposes the health manager for registering more checkers.
func (s *Server) HealthManager() *health.Manager {
	return s.healthMgr
}

// GetRouter returns the router for testing.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}
