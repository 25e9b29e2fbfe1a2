package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"dockwatch/internal/host"
	"dockwatch/internal/journal"
)

// Pinger is a readiness probe against one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	stream   http.Handler
	journal  *journal.Repository
	docker   Pinger
	frontend string
	log      *slog.Logger
}

func NewServer(stream http.Handler, repo *journal.Repository, docker Pinger, frontendPath string, logger *slog.Logger) *Server {
	return &Server{stream: stream, journal: repo, docker: docker, frontend: frontendPath, log: logger}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/host", s.handleHost)
	mux.HandleFunc("/api/actions", s.handleActions)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/", http.FileServer(http.Dir(s.frontend)))

	// The stream endpoint bypasses the logging wrapper: the protocol upgrade
	// needs the raw ResponseWriter, and the session logs its own lifecycle.
	root := http.NewServeMux()
	root.Handle("/ws", s.stream)
	root.Handle("/", logMiddleware(mux, s.log))
	return root
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, host.Collect(r.Context()))
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.journal.RecentActions(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, entries)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.journal.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "db not ready", 503)
		return
	}
	if err := s.docker.Ping(r.Context()); err != nil {
		http.Error(w, "docker not ready", 503)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
