// Package gateway assembles the HTTP surface: webhook intake,
// management API, health, metrics, and the live event tail.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convolabai/langhook/config"
	"github.com/convolabai/langhook/health"
	"github.com/convolabai/langhook/ingest"
	"github.com/convolabai/langhook/metric"
	"github.com/convolabai/langhook/subscriptions"
)

// Server is the process HTTP server.
type Server struct {
	cfg     *config.Config
	monitor *health.Monitor
	logger  *slog.Logger
	httpSrv *http.Server
}

// New builds the server with all routes mounted under the configured
// path prefix. The management API is protected by the API key when one
// is set; intake, health, and metrics stay open.
func New(
	cfg *config.Config,
	intake *ingest.Handler,
	mgmt *subscriptions.Handler,
	tail *Tailer,
	monitor *health.Monitor,
	metrics *metric.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, monitor: monitor, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Route(routePrefix(cfg.ServerPath), func(r chi.Router) {
		intake.Routes(r)
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			metrics.Registry(), promhttp.HandlerOpts{}))

		r.Group(func(r chi.Router) {
			r.Use(apiKeyAuth(cfg.APIKey))
			mgmt.Routes(r)
			r.Get("/events/ws", tail.ServeWS)
		})
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the assembled mux, mostly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.cfg.ListenAddr, "prefix", s.cfg.ServerPath)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusDown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// routePrefix maps the configured prefix onto a chi route pattern.
func routePrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	return prefix
}

// apiKeyAuth rejects requests without the configured X-API-Key. A blank
// key disables authentication.
func apiKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" && r.Header.Get("X-API-Key") != key {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"detail": "missing or invalid API key",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
