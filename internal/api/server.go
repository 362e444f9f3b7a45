package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"queueboard/internal/service"
	"queueboard/pkg/stream"
	"queueboard/pkg/task"
)

// DefaultKeepAlive is the SSE comment interval.
const DefaultKeepAlive = 15 * time.Second

// Server is the HTTP API server.
type Server struct {
	svc       *service.Service
	hub       *stream.Hub
	log       log.FieldLogger
	keepAlive time.Duration
	webDir    string
	mux       *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l log.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

// WithKeepAlive sets the SSE keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithWebDir serves the compiled board UI from dir at /.
func WithWebDir(dir string) Option {
	return func(s *Server) { s.webDir = dir }
}

// New creates a new Server.
func New(svc *service.Service, hub *stream.Hub, opts ...Option) *Server {
	s := &Server{
		svc:       svc,
		hub:       hub,
		log:       log.StandardLogger(),
		keepAlive: DefaultKeepAlive,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "api")
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	// Queues
	s.mux.HandleFunc("GET /api/queues", s.handleQueueList)
	s.mux.HandleFunc("POST /api/queues", s.handleQueueCreate)
	s.mux.HandleFunc("GET /api/queues/{id}", s.handleQueueGet)
	s.mux.HandleFunc("PATCH /api/queues/{id}", s.handleQueueUpdate)
	s.mux.HandleFunc("GET /api/queues/{id}/tasks", s.handleTaskList)
	s.mux.HandleFunc("POST /api/queues/{id}/tasks", s.handleTaskCreate)
	s.mux.HandleFunc("GET /api/queues/{id}/feed", s.handleQueueFeed)
	s.mux.HandleFunc("GET /api/queues/{id}/board", s.handleQueueBoard)
	s.mux.HandleFunc("GET /api/queues/{id}/stream", s.handleQueueStream)

	// Tasks
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskGet)
	s.mux.HandleFunc("PATCH /api/tasks/{id}", s.handleTaskUpdate)
	s.mux.HandleFunc("POST /api/tasks/{id}/status", s.handleTaskStatus)
	s.mux.HandleFunc("POST /api/tasks/{id}/complexity", s.handleTaskComplexity)
	s.mux.HandleFunc("GET /api/tasks/{id}/feed", s.handleTaskFeed)
	s.mux.HandleFunc("POST /api/tasks/{id}/messages", s.handleTaskMessage)
	s.mux.HandleFunc("GET /api/tasks/{id}/artifacts", s.handleArtifactList)
	s.mux.HandleFunc("POST /api/tasks/{id}/artifacts", s.handleArtifactCreate)
	s.mux.HandleFunc("GET /api/transitions", s.handleTransitions)

	// System
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// Static files (Gio WASM board)
	if s.webDir != "" {
		s.mux.Handle("GET /", http.FileServer(http.Dir(s.webDir)))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.svc.Transitions())
}

// transitionError is the 409 body for a rejected status change.
type transitionError struct {
	Error         string        `json:"error"`
	TaskID        string        `json:"task_id,omitempty"`
	From          task.Status   `json:"from"`
	To            task.Status   `json:"to"`
	Allowed       []task.Status `json:"allowed"`
	UnknownStatus bool          `json:"unknown_status"`
}

// writeServiceError maps service errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var ite *task.InvalidTransitionError
	var ve *task.ValidationError
	switch {
	case errors.As(err, &ite):
		allowed := ite.Allowed
		if allowed == nil {
			allowed = []task.Status{}
		}
		writeJSON(w, 409, transitionError{
			Error:         ite.Error(),
			TaskID:        ite.TaskID,
			From:          ite.From,
			To:            ite.To,
			Allowed:       allowed,
			UnknownStatus: ite.UnknownTarget(),
		})
	case errors.Is(err, service.ErrNotFound):
		writeError(w, 404, err.Error())
	case errors.As(err, &ve):
		writeJSON(w, 400, map[string]string{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, service.ErrConflict):
		writeError(w, 409, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, 500, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("write json")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads the request body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func queryInt64(r *http.Request, key string) int64 {
	n, err := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
