package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/aivillage/hub/pkg/events"
	"github.com/aivillage/hub/pkg/log"
	"github.com/aivillage/hub/pkg/metrics"
	"github.com/aivillage/hub/pkg/storage"
	"github.com/aivillage/hub/pkg/supervisor"
)

// Server holds dependencies for the hub's HTTP handlers
type Server struct {
	Store      storage.Store
	Broker     *events.Broker
	Supervisor *supervisor.Supervisor
	AgentCount int
	Version    string

	logger zerolog.Logger
}

// NewServer creates the HTTP server facade. Broker and Supervisor may be
// nil; the corresponding endpoints degrade gracefully.
func NewServer(store storage.Store, broker *events.Broker, sup *supervisor.Supervisor, agentCount int, version string) *Server {
	if agentCount <= 0 {
		agentCount = 1
	}
	return &Server{
		Store:      store,
		Broker:     broker,
		Supervisor: sup,
		AgentCount: agentCount,
		Version:    version,
		logger:     log.WithComponent("api"),
	}
}

// Routes creates the HTTP router with all hub endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", metrics.LivenessHandler())
	r.Get("/health", metrics.HealthHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/task", s.CreateTask)
	r.Get("/task/{id}", s.GetTask)
	r.Get("/tasks", s.ListTasks)

	r.Get("/chat/agent-responses", s.AgentResponses)

	r.Get("/agents/live", s.AgentsLive)
	r.Get("/agents/{id}/logs", s.AgentLogs)

	r.Get("/artifacts/{id}/presigned", s.PresignArtifact)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/tasks/{id}/cancel", s.CancelTask)
		r.Get("/agents", s.AgentStatus)
		r.Post("/agents/{id}/start", s.StartAgent)
		r.Post("/agents/{id}/stop", s.StopAgent)
	})

	return r
}

// requestLogger emits one structured log line per request and feeds the
// API metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", timer.Duration()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeError maps a storage error kind to an HTTP status and emits the
// standard error body. Unknown errors become a 500 with a correlation id.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if code == http.StatusInternalServerError {
		resp.Error = "internal error"
		resp.CorrelationID = middleware.GetReqID(r.Context())
		s.logger.Error().Err(err).Str("correlation_id", resp.CorrelationID).Msg("internal error")
	}
	writeJSON(w, code, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) publish(eventType events.EventType, agentID string, taskID int64, message string) {
	if s.Broker == nil {
		return
	}
	s.Broker.Publish(&events.Event{Type: eventType, AgentID: agentID, TaskID: taskID, Message: message})
}

// requestCtx bounds handler work against a slow backend
func requestCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 15*time.Second)
}
