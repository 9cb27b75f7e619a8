package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"pkt.systems/pslog"
)

// Checker reports the state of the update scheduler.
type Checker interface {
	Started() bool
	LastRun() time.Time
}

// AppCounter returns the number of monitored apps across all users.
type AppCounter func() (int, error)

// Server serves the health, readiness and metrics endpoints.
type Server struct {
	checker Checker
	count   AppCounter
	metrics http.Handler
}

type readiness struct {
	Ready     bool    `json:"ready"`
	LastCheck *string `json:"last_check"`
	Apps      int     `json:"apps"`
	Error     string  `json:"error,omitempty"`
}

// NewServer constructs a health server. A nil metrics handler leaves
// /metrics unrouted.
func NewServer(checker Checker, count AppCounter, metrics http.Handler) *Server {
	return &Server{checker: checker, count: count, metrics: metrics}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	quiet := []string{"/healthz", "/readyz"}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
		quiet = append(quiet, "/metrics")
	}
	return withRequestLogging(mux, quiet...)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readiness{}
	status := http.StatusServiceUnavailable
	if s.checker != nil && s.checker.Started() {
		resp.Ready = true
		status = http.StatusOK
		if last := s.checker.LastRun(); !last.IsZero() {
			stamp := last.UTC().Format(time.RFC3339)
			resp.LastCheck = &stamp
		}
	}
	if s.count != nil {
		apps, err := s.count()
		if err != nil {
			pslog.Ctx(r.Context()).Warn("readiness app count failed", "err", err)
			resp.Ready = false
			resp.Error = "data directory unreadable"
			status = http.StatusServiceUnavailable
		}
		resp.Apps = apps
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
