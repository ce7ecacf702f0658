// Package api serves a rank's operational HTTP endpoints: liveness,
// readiness, Prometheus metrics and the statsviz runtime dashboard.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arl/statsviz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/hepnos-dataloader/internal/config"
	"github.com/ahrav/hepnos-dataloader/pkg/common/logger"
	"github.com/ahrav/hepnos-dataloader/pkg/common/otel"
	"github.com/ahrav/hepnos-dataloader/pkg/metrics"
)

// ReadyFunc reports whether the rank is ready to do work.
type ReadyFunc func() bool

type Server struct {
	cfg     config.HTTPConfig
	build   string
	logger  *logger.Logger
	router  *chi.Mux
	handler http.Handler
	ready   ReadyFunc
}

// NewServer builds the router. gatherer supplies /metrics; ready backs
// /v1/readiness and may be nil, meaning always ready.
func NewServer(
	cfg config.HTTPConfig,
	build string,
	log *logger.Logger,
	tp trace.TracerProvider,
	gatherer prometheus.Gatherer,
	ready ReadyFunc,
) (*Server, error) {
	if ready == nil {
		ready = func() bool { return true }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		build:  build,
		logger: log.With("component", "http"),
		router: r,
		ready:  ready,
	}
	if err := s.routes(gatherer); err != nil {
		return nil, err
	}

	s.handler = otelhttp.NewHandler(r, "dataloader.http",
		otelhttp.WithTracerProvider(tp),
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/v1/health" && req.URL.Path != "/v1/readiness"
		}),
	)
	return s, nil
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Debug(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes(gatherer prometheus.Gatherer) error {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)
	})
	s.router.Handle("/metrics", metrics.Handler(gatherer))

	sv, err := statsviz.NewServer()
	if err != nil {
		return fmt.Errorf("creating statsviz server: %w", err)
	}
	s.router.Get("/debug/statsviz", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/debug/statsviz/", http.StatusMovedPermanently)
	})
	s.router.Get("/debug/statsviz/ws", sv.Ws())
	s.router.Handle("/debug/statsviz/*", sv.Index())
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Build: s.build})
}

type readyResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		s.writeJSON(w, r, http.StatusServiceUnavailable, readyResponse{Status: "starting"})
		return
	}
	s.writeJSON(w, r, http.StatusOK, readyResponse{Status: "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(s.logger, logger.LevelError),
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	})
	defer stop()

	s.logger.Info(ctx, "starting server", "addr", ln.Addr().String())

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
