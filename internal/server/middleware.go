package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsiec/sensorlink/internal/logger"
	"github.com/zsiec/sensorlink/internal/metrics"
)

// requestIDMiddleware makes sure every request and response carries an ID.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := logger.EnsureRequestID(r)
		w.Header().Set(logger.RequestIDHeader, requestID)

		ctx := logger.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggerMiddleware attaches a request-scoped logger to the context and
// logs completion. Probe endpoints log at debug.
func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLog := logger.WithRequest(s.logger, r, logger.GetRequestID(r.Context()))

		rw := logger.NewResponseWriter(w)
		next.ServeHTTP(rw, r.WithContext(logger.WithLogger(r.Context(), reqLog)))

		entry := reqLog.WithFields(map[string]interface{}{
			"status":      rw.StatusCode(),
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
		})
		if isProbe(r.URL.Path) {
			entry.Debug("Request completed")
			return
		}
		entry.Info("Request completed")
	})
}

// metricsMiddleware records request counts and latency by route template so
// device IDs do not become label values.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProbe(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := logger.NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		metrics.ObserveHTTPRequest(r.Method, routeTemplate(r), rw.StatusCode(), time.Since(start))
	})
}

// corsMiddleware handles CORS headers for the configured origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+logger.RequestIDHeader)
			w.Header().Set("Access-Control-Max-Age", "86400")
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func isProbe(path string) bool {
	return path == "/health" || path == "/ready" || path == "/live"
}
