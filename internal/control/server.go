package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes health, metrics and the operator endpoints of the loop.
type Server struct {
	loop    *Loop
	monitor *Monitor
	server  *http.Server
}

// NewServer creates a new control server.
func NewServer(loop *Loop, monitor *Monitor, port int) *Server {
	s := &Server{
		loop:    loop,
		monitor: monitor,
		server: &http.Server{
			Addr: fmt.Sprintf(":%d", port),
		},
	}
	s.server.Handler = s.Handler()
	return s
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.HandleFunc("GET /pipelines", s.handleList)
	mux.HandleFunc("GET /pipelines/{id}", s.handleGet)
	mux.HandleFunc("POST /pipelines/{id}/trigger", s.action(s.loop.Trigger))
	mux.HandleFunc("POST /pipelines/{id}/stop", s.action(s.loop.Stop))
	mux.HandleFunc("POST /pipelines/{id}/resume", s.action(s.loop.Resume))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loop.Statuses())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.loop.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) action(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := fn(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		st, _ := s.loop.Status(id)
		writeJSON(w, http.StatusAccepted, st)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownPipeline):
		code = http.StatusNotFound
	case errors.Is(err, ErrBusy), errors.Is(err, ErrEscalated), errors.Is(err, ErrNotEscalated):
		code = http.StatusConflict
	case errors.Is(err, ErrNotRunning):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
