package server

import (
	"net/http"

	"github.com/charmbracelet/log"
)

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pool.Stats(r.Context())
	if err != nil {
		log.Error("stats failed", "error", err)
		writeError(w, "Failed to collect stats", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stats.Rows())
}

func (s *Server) resetLocks(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.ResetLocks(r.Context()); err != nil {
		log.Error("reset locks failed", "error", err)
		writeError(w, "Failed to reset locks", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
