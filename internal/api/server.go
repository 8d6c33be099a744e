// Package api exposes the daemon over HTTP: synchronous render submission,
// cancellation, status, health, metrics, and a server-sent event feed.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/typesetd/typesetd/internal/events"
	"github.com/typesetd/typesetd/internal/queue"
	"github.com/typesetd/typesetd/internal/render"
	"github.com/typesetd/typesetd/internal/storage"
	"github.com/typesetd/typesetd/internal/supervisor"
)

// Renderer is the slice of the admission queue the API needs.
type Renderer interface {
	Submit(source string, deadline time.Time) (*queue.Ticket, error)
	Cancel(id string) bool
	Depth() int
}

// SlotReporter reports worker slot states for the status endpoint.
type SlotReporter interface {
	Snapshots() []supervisor.Status
}

// JournalReader reads recent render history.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]storage.Entry, error)
	Counts(ctx context.Context) (map[render.OutcomeKind]int, error)
}

// EventStream is the slice of the event hub the SSE handler needs.
type EventStream interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token protecting mutating endpoints. Empty
	// disables authentication.
	APIKey string
	// RenderTimeout is the default per-request budget; clients may ask for
	// less but never more.
	RenderTimeout time.Duration
	// MaxSourceBytes bounds the submitted document size.
	MaxSourceBytes int64
}

// Server is the HTTP API server. It implements suture.Service.
type Server struct {
	config    Config
	renderer  Renderer
	slots     SlotReporter
	journal   JournalReader
	events    EventStream
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server instance. journal and slots may be nil; the
// status endpoint then omits those sections.
func New(config Config, renderer Renderer, slots SlotReporter, journal JournalReader, eventStream EventStream, logger *slog.Logger) *Server {
	if config.RenderTimeout <= 0 {
		config.RenderTimeout = 30 * time.Second
	}
	if config.MaxSourceBytes <= 0 {
		config.MaxSourceBytes = 1 << 20
	}
	return &Server{
		config:    config,
		renderer:  renderer,
		slots:     slots,
		journal:   journal,
		events:    eventStream,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// Render responses are written after the full render completes.
		WriteTimeout: s.config.RenderTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
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

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/render", s.handleRender)
		r.Delete("/render/{requestID}", s.handleCancel)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
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
