package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opsgrid/checkfarm/internal/events"
	"github.com/opsgrid/checkfarm/internal/history"
	"github.com/opsgrid/checkfarm/internal/jobtable"
	"github.com/opsgrid/checkfarm/internal/registry"
)

// WorkerLister exposes the connected-worker snapshot.
type WorkerLister interface {
	List() []registry.Info
}

// JobLister exposes the in-flight job snapshot.
type JobLister interface {
	Outstanding() []jobtable.Info
	Len() int
}

// HistoryReader exposes the completed-job audit trail.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// EventSource exposes recent lifecycle events.
type EventSource interface {
	SnapshotSince(lastID int64) []events.Event
}

// CheckSubmitter accepts new check commands for dispatch.
type CheckSubmitter interface {
	SubmitCheck(command string, timeout time.Duration, pluginHint string) (int, error)
}

// Config holds status API server configuration.
type Config struct {
	Listen string
	APIKey string
}

// Server is the HTTP status API.
type Server struct {
	config    Config
	workers   WorkerLister
	jobs      JobLister
	hist      HistoryReader
	events    EventSource
	submitter CheckSubmitter
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a status API server. hist and submitter may be nil when the
// audit trail or check ingress is disabled.
func New(config Config, workers WorkerLister, jobs JobLister, hist HistoryReader, eventSource EventSource, submitter CheckSubmitter, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		workers:   workers,
		jobs:      jobs,
		hist:      hist,
		events:    eventSource,
		submitter: submitter,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("status API starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/workers", s.handleWorkers)
		r.Get("/v1/jobs", s.handleJobs)
		r.Post("/v1/checks", s.handleSubmitCheck)
		r.Get("/v1/history", s.handleHistory)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
