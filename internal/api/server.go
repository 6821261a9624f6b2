// Package api exposes the HTTP surface of the ingestion engine: run
// lifecycle endpoints, the continuation-queue operator endpoints, the
// per-run progress stream, and author search.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scholarwatch/scholarwatch/internal/config"
	"github.com/scholarwatch/scholarwatch/internal/metrics"
	"github.com/scholarwatch/scholarwatch/internal/progress"
	"github.com/scholarwatch/scholarwatch/internal/run"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

// RunService is the orchestrator surface the handlers need.
type RunService interface {
	InitializeRun(ctx context.Context, userID uuid.UUID, trigger store.TriggerType, idempotencyKey string) (run.InitResult, error)
	ExecuteRun(ctx context.Context, runID uuid.UUID, profiles []store.Profile, resumeCursors map[uuid.UUID]int) error
	GetRunStatus(ctx context.Context, runID uuid.UUID) (store.CrawlRun, error)
	CancelRun(ctx context.Context, runID uuid.UUID) error
}

// QueueService is the continuation-queue surface the handlers need.
type QueueService interface {
	List(ctx context.Context, userID uuid.UUID) ([]store.QueueItem, error)
	Retry(ctx context.Context, id uuid.UUID) error
	DropItem(ctx context.Context, id uuid.UUID) error
	Clear(ctx context.Context, id uuid.UUID) error
}

// EventSubscriber hands out per-run progress channels for the SSE stream.
type EventSubscriber interface {
	Subscribe(runID uuid.UUID) (<-chan progress.Event, func())
}

// Pinger reports database liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the orchestrator and queue services.
type Server struct {
	router  chi.Router
	runs    RunService
	queue   QueueService
	events  EventSubscriber
	authors *AuthorSearch
	pinger  Pinger
	logger  *zap.Logger
	cfg     config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	runs RunService,
	queue QueueService,
	events EventSubscriber,
	authors *AuthorSearch,
	pinger Pinger,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runs:    runs,
		queue:   queue,
		events:  events,
		authors: authors,
		pinger:  pinger,
		logger:  logger,
		cfg:     cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/cancel", s.cancelRun)
				r.Get("/events", s.streamRunEvents)
			})
		})
		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.listQueue)
			r.Route("/{item_id}", func(r chi.Router) {
				r.Post("/retry", s.retryQueueItem)
				r.Post("/drop", s.dropQueueItem)
				r.Delete("/", s.clearQueueItem)
			})
		})
		r.Get("/authors/search", s.searchAuthors)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("readiness ping failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
