package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/observer-core/internal/broadcast"
	"github.com/basket/observer-core/internal/ingest"
	"github.com/basket/observer-core/internal/runtime"
)

// Config wires the dependencies a Server needs to build the full Observer
// Core HTTP surface (spec.md §6).
type Config struct {
	Store        *ingest.Store
	Broadcaster  *broadcast.Broadcaster
	Auth         *AuthMiddleware
	Origin       func(http.Handler) http.Handler
	RateLimit    *RateLimitMiddleware
	CORS         func(http.Handler) http.Handler
	Tracer       trace.Tracer
	MaxBodyBytes int64
}

// Server serves the Observer Core's HTTP surface: task/command/observation
// intake, status/metrics/progress/events/cot/task queries, and the SSE
// stream, each wrapped in the same middleware chain (spec.md §4.5).
type Server struct {
	store       *ingest.Store
	broadcaster *broadcast.Broadcaster
	auth        *AuthMiddleware
	origin      func(http.Handler) http.Handler
	rateLimit   *RateLimitMiddleware
	cors        func(http.Handler) http.Handler
	tracer      trace.Tracer
	maxBody     int64
}

// New builds a Server from Config.
func New(cfg Config) *Server {
	return &Server{
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		auth:        cfg.Auth,
		origin:      cfg.Origin,
		rateLimit:   cfg.RateLimit,
		cors:        cfg.CORS,
		tracer:      cfg.Tracer,
		maxBody:     cfg.MaxBodyBytes,
	}
}

// Handler builds the full mux wrapped in the standard middleware chain:
// origin allowlist -> CORS -> auth -> rate limit -> request size limit.
// /healthz and /observer/status are exempted from auth/rate-limit by those
// middlewares themselves.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /observer/tasks", s.handleSubmitTask)
	mux.HandleFunc("POST /observer/commands", s.handleExecuteCommand)
	mux.HandleFunc("POST /observer/arbiter/start", s.handleArbiterStart)
	mux.HandleFunc("POST /observer/arbiter/stop", s.handleArbiterStop)
	mux.HandleFunc("POST /observer/observations", s.handleObservation)
	mux.HandleFunc("GET /observer/status", s.handleStatus)
	mux.HandleFunc("GET /observer/metrics", s.handleMetrics)
	mux.HandleFunc("GET /observer/progress", s.handleProgress)
	mux.HandleFunc("GET /observer/events", s.handleEvents)
	mux.HandleFunc("GET /observer/cot", s.handleCoT)
	mux.HandleFunc("GET /observer/tasks/{taskId}", s.handleGetTask)
	mux.HandleFunc("GET /observer/stream", s.handleStream)

	var h http.Handler = mux
	if s.tracer != nil {
		h = TracingMiddleware(s.tracer)(h)
	}
	if s.rateLimit != nil {
		h = s.rateLimit.Wrap(h)
	}
	if s.auth != nil {
		h = s.auth.Wrap(h)
	}
	if s.cors != nil {
		h = s.cors(h)
	}
	if s.origin != nil {
		h = s.origin(h)
	}
	if s.maxBody > 0 {
		h = RequestSizeLimitMiddleware(s.maxBody)(h)
	}
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitTaskBody struct {
	Description string                 `json:"description"`
	SpecPath    string                 `json:"specPath,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var body submitTaskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Description) == "" {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "description is required")
		return
	}

	result, err := s.store.SubmitTask(r.Context(), runtime.TaskSubmission{
		Description: body.Description,
		SpecPath:    body.SpecPath,
		Metadata:    body.Metadata,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "submit_task_error", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"taskId":       result.TaskID,
		"assignmentId": result.AssignmentID,
		"queued":       result.Queued,
	})
}

type executeCommandBody struct {
	Command string `json:"command"`
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var body executeCommandBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Command) == "" {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "command is required")
		return
	}

	result, err := s.store.ExecuteCommand(r.Context(), body.Command)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "execute_command_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"acknowledged": result.Acknowledged,
		"note":         result.Note,
	})
}

func (s *Server) handleArbiterStart(w http.ResponseWriter, r *http.Request) {
	if err := s.store.StartRuntime(r.Context()); err != nil {
		writeJSONError(w, http.StatusConflict, "arbiter_start_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleArbiterStop(w http.ResponseWriter, r *http.Request) {
	if err := s.store.StopRuntime(r.Context()); err != nil {
		writeJSONError(w, http.StatusConflict, "arbiter_stop_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type observationBody struct {
	Message string `json:"message"`
	TaskID  string `json:"taskId,omitempty"`
	Author  string `json:"author,omitempty"`
}

func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	var body observationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "message is required")
		return
	}

	id, ts := s.store.AppendObservation(body.Message, body.TaskID, body.Author)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        id,
		"timestamp": ts,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetStatus(r.Context()))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetMetrics(r.Context()))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetProgress(r.Context()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ingest.EventFilter{
		Cursor:   q.Get("cursor"),
		Type:     q.Get("type"),
		TaskID:   q.Get("taskId"),
		Severity: ingest.Severity(q.Get("severity")),
	}
	if limit, ok, err := parseIntParam(q, "limit"); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "limit must be an integer")
		return
	} else if ok {
		filter.Limit = &limit
	}
	if since, ok, err := parseTimeParam(q, "since"); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "since must be RFC3339")
		return
	} else if ok {
		filter.Since = &since
	}
	if until, ok, err := parseTimeParam(q, "until"); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "until must be RFC3339")
		return
	} else if ok {
		filter.Until = &until
	}

	page := s.store.ListEvents(filter)
	resp := map[string]interface{}{"events": page.Events}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCoT(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ingest.CoTFilter{
		Cursor: q.Get("cursor"),
		TaskID: q.Get("taskId"),
	}
	if limit, ok, err := parseIntParam(q, "limit"); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "limit must be an integer")
		return
	} else if ok {
		filter.Limit = &limit
	}
	if since, ok, err := parseTimeParam(q, "since"); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation_error", "since must be RFC3339")
		return
	} else if ok {
		filter.Since = &since
	}

	page := s.store.ListChainOfThought(filter)
	resp := map[string]interface{}{"entries": page.Entries}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	view := s.store.GetTask(r.Context(), taskID)
	if view == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "no such task")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := broadcast.Filters{
		TaskID:   q.Get("taskId"),
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
	}
	verbose := q.Get("verbose") == "true" || q.Get("verbose") == "1"

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "stream_unsupported", "streaming not supported")
		return
	}

	sub := s.broadcaster.Subscribe(filters, verbose)
	defer s.broadcaster.Unsubscribe(sub.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.Out():
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseIntParam(q map[string][]string, key string) (int, bool, error) {
	raw := values(q, key)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func parseTimeParam(q map[string][]string, key string) (time.Time, bool, error) {
	raw := values(q, key)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func values(q map[string][]string, key string) string {
	vs, ok := q[key]
	if !ok || len(vs) == 0 {
		return ""
	}
	return vs[0]
}
