package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/typesetd/typesetd/internal/metrics"
	"github.com/typesetd/typesetd/internal/queue"
	"github.com/typesetd/typesetd/internal/render"
	"github.com/typesetd/typesetd/internal/storage"
	"github.com/typesetd/typesetd/internal/supervisor"
)

type renderRequest struct {
	Source string `json:"source"`
	// TimeoutMS caps this request's render budget; it is clamped to the
	// server's configured maximum.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

type renderResponse struct {
	RequestID   string              `json:"request_id"`
	Outcome     render.OutcomeKind  `json:"outcome"`
	PageCount   int                 `json:"page_count,omitempty"`
	Pages       [][]byte            `json:"pages,omitempty"`
	Warnings    []render.Diagnostic `json:"warnings,omitempty"`
	Diagnostics []render.Diagnostic `json:"diagnostics,omitempty"`
	Error       string              `json:"error,omitempty"`
	Retryable   bool                `json:"retryable,omitempty"`
	DurationMS  int64               `json:"duration_ms"`
}

type statusResponse struct {
	UptimeSeconds int64                      `json:"uptime_seconds"`
	QueueDepth    int                        `json:"queue_depth"`
	Slots         []supervisor.Status        `json:"slots,omitempty"`
	Totals        map[render.OutcomeKind]int `json:"totals,omitempty"`
	Recent        []storage.Entry            `json:"recent,omitempty"`
}

// handleRender admits a document and blocks until its terminal outcome.
// A client that disconnects mid-wait cancels its request: queued requests
// are removed outright, in-flight ones finish and have their result
// discarded.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	body := http.MaxBytesReader(w, r.Body, s.config.MaxSourceBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Source == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	timeout := s.config.RenderTimeout
	if req.TimeoutMS > 0 {
		if asked := time.Duration(req.TimeoutMS) * time.Millisecond; asked < timeout {
			timeout = asked
		}
	}

	ticket, err := s.renderer.Submit(req.Source, time.Now().Add(timeout))
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			metrics.QueueRejectedTotal.Inc()
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusServiceUnavailable, "render queue is full")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	select {
	case outcome := <-ticket.Outcome:
		s.writeOutcome(w, ticket.ID, outcome)
	case <-r.Context().Done():
		s.renderer.Cancel(ticket.ID)
	}
}

func (s *Server) writeOutcome(w http.ResponseWriter, id string, outcome render.Outcome) {
	resp := renderResponse{
		RequestID:   id,
		Outcome:     outcome.Kind,
		PageCount:   outcome.PageCount,
		Pages:       outcome.Pages,
		Warnings:    outcome.Warnings,
		Diagnostics: outcome.Diagnostics,
		Error:       outcome.Err,
		Retryable:   outcome.Kind.Retryable(),
		DurationMS:  outcome.Duration.Milliseconds(),
	}

	status := http.StatusOK
	switch outcome.Kind {
	case render.OutcomeRendered:
	case render.OutcomeDiagnosed:
		status = http.StatusUnprocessableEntity
	case render.OutcomeTimedOut:
		status = http.StatusGatewayTimeout
	case render.OutcomeCrashed:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, resp)
}

// handleCancel cancels a request by ID. Removal succeeds only while the
// request is still queued; an in-flight request keeps running and its result
// is discarded on completion.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	removed := s.renderer.Cancel(id)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"request_id": id,
		"removed":    removed,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    s.renderer.Depth(),
	}
	if s.slots != nil {
		resp.Slots = s.slots.Snapshots()
	}
	if s.journal != nil {
		if totals, err := s.journal.Counts(r.Context()); err == nil {
			resp.Totals = totals
		}
		if recent, err := s.journal.Recent(r.Context(), 20); err == nil {
			resp.Recent = recent
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
