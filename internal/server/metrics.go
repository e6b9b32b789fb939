package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/sensorlink/internal/config"
	"github.com/zsiec/sensorlink/internal/logger"
)

// MetricsServer exposes Prometheus metrics on their own port so scraping
// stays off the API listener.
type MetricsServer struct {
	srv    *http.Server
	logger logger.Logger
}

// NewMetricsServer serves the default gatherer at cfg.Path on cfg.Port.
func NewMetricsServer(cfg config.MetricsConfig, log logger.Logger) *MetricsServer {
	if log == nil {
		log = logger.NewNop()
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, MetricsHandler(prometheus.DefaultGatherer))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.WithField("component", "metrics_server"),
	}
}

// MetricsHandler returns the exposition handler for g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Start serves until ctx is cancelled.
func (m *MetricsServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		m.logger.WithField("addr", m.srv.Addr).Info("Starting metrics server")
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return m.srv.Shutdown(shutdownCtx)
	}
}
