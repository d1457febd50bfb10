// Package httpapi is cnagent's local HTTP surface: task dispatch, history
// inspection, pause/resume control, and the prometheus and health
// endpoints, routed with gorilla/mux.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cuemby/cnagent/pkg/dispatch"
	"github.com/cuemby/cnagent/pkg/log"
	"github.com/cuemby/cnagent/pkg/metrics"
	"github.com/cuemby/cnagent/pkg/runner"
	"github.com/cuemby/cnagent/pkg/task"
)

// simulateHeader carries a target server identity. Its value is recorded as
// the request's ReqHost; requests are not routed by it, and one dispatcher
// serves every value.
const simulateHeader = "x-server-uuid"

// Server is cnagent's HTTP surface.
type Server struct {
	dispatcher *dispatch.Dispatcher
	runner     *runner.Runner
	draining   atomic.Bool
	router     *mux.Router
}

// New builds a Server and wires its routes.
func New(d *dispatch.Dispatcher, r *runner.Runner) *Server {
	s := &Server{dispatcher: d, runner: r}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the server's root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.HandleFunc("/tasks", s.handleDispatch).Methods(http.MethodPost)
	s.router.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/pause", s.handlePause).Methods(http.MethodPost)
	s.router.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.Use(s.auditMiddleware)
	s.router.Use(s.recoverMiddleware)
}

type dispatchRequest struct {
	Task   string                 `json:"task"`
	Params map[string]interface{} `json:"params"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "agent is draining", http.StatusServiceUnavailable)
		return
	}

	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	req := task.Request{
		Task:      body.Task,
		Params:    body.Params,
		ReqID:     uuid.NewString(),
		ReqHost:   r.Header.Get(simulateHeader),
		CreatedAt: time.Now(),
	}

	handle, err := s.dispatcher.Dispatch(r.Context(), req)
	code := dispatch.StatusCode(err)
	if err != nil {
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	// P1: a task that finishes returns its finish payload directly with
	// 200; a task that failed returns its error payload with 500. A
	// worker-reported structured error (an `event` message named
	// "error") is returned verbatim rather than wrapped in {"error": ...},
	// since the controller expects the worker's own error body.
	if handle.Status == task.StatusFailed {
		w.WriteHeader(http.StatusInternalServerError)
		if len(handle.ErrorPayload) > 0 {
			w.Write(handle.ErrorPayload)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"error": handle.Error})
		return
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(handle.Result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.runner.History())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.draining.Store(true)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.draining.Store(false)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// auditMiddleware logs any non-2xx response and every non-GET request,
// mirroring the agent's controller-visible audit trail for task dispatch.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= 300 || r.Method != http.MethodGet {
			log.WithComponent("httpapi").Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Msg("request")
		}
	})
}

// recoverMiddleware converts a handler panic into a 500 response instead of
// crashing the process.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithComponent("httpapi").Error().Interface("panic", rec).Msg("recovered from handler panic")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// NewHTTPServer wraps a handler in an http.Server configuration applying the
// one-hour socket timeout the agent uses for long-running provisioning
// requests.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  time.Hour,
		WriteTimeout: time.Hour,
	}
}
