// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/collector"
	"github.com/parcelworks/harvester/internal/health"
	"github.com/parcelworks/harvester/internal/metrics"
)

// CollectionRunner registers sources and executes collections; the manager
// satisfies this interface.
type CollectionRunner interface {
	AddSource(ctx context.Context, src collector.DataSource) error
	ExecuteCollection(ctx context.Context, sourceID string) (collector.CollectionRun, error)
}

// DueRunner executes one scheduling pass; the scheduler satisfies this
// interface.
type DueRunner interface {
	RunDue(ctx context.Context) []collector.CollectionRun
}

// HealthChecker produces the health report; the monitor satisfies this
// interface.
type HealthChecker interface {
	Check(ctx context.Context, lookback time.Duration) (health.Report, error)
}

// Config carries the API tunables.
type Config struct {
	// RequestTimeout bounds one HTTP request. Zero defaults to 60 seconds.
	RequestTimeout time.Duration
	// HealthLookback is the window for GET /v1/health. Zero defaults to 24h.
	HealthLookback time.Duration
}

// Server wires HTTP handlers to the manager, scheduler and health monitor.
type Server struct {
	router  chi.Router
	store   collector.Store
	runner  CollectionRunner
	due     DueRunner
	checker HealthChecker
	logger  *zap.Logger
	cfg     Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store collector.Store, runner CollectionRunner, due DueRunner, checker HealthChecker, logger *zap.Logger, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.HealthLookback <= 0 {
		cfg.HealthLookback = 24 * time.Hour
	}
	metrics.Init()
	s := &Server{
		store:   store,
		runner:  runner,
		due:     due,
		checker: checker,
		logger:  logger,
		cfg:     cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Post("/", s.createSource)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Get("/runs", s.listRuns)
				r.Post("/collect", s.collect)
			})
		})
		r.Post("/collections/run-due", s.runDue)
		r.Get("/health", s.healthReport)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The source catalog read doubles as a storage liveness probe.
	if _, err := s.store.ListSources(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": sources, "count": len(sources)})
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	var src collector.DataSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if src.Status == "" {
		src.Status = collector.SourceStatusActive
	}
	if err := s.runner.AddSource(r.Context(), src); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"source_id": src.ID})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	src, err := s.store.GetSource(r.Context(), sourceID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "source not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"source": src})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if _, err := s.store.GetSource(r.Context(), sourceID); err != nil {
		s.writeError(w, http.StatusNotFound, "source not found")
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = parsed
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	runs, err := s.store.ListRuns(r.Context(), sourceID, since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) collect(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	run, err := s.runner.ExecuteCollection(r.Context(), sourceID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) runDue(w http.ResponseWriter, r *http.Request) {
	runs := s.due.RunDue(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) healthReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.checker.Check(r.Context(), s.cfg.HealthLookback)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "health check failed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		duration := time.Since(start)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, duration)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
