package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
)

type proxyView struct {
	ID        uint64 `json:"id"`
	URL       string `json:"url"`
	Active    bool   `json:"active"`
	FailCount int    `json:"fail_count"`
}

func (s *Server) listProxies(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context())
	if err != nil {
		log.Error("list proxies failed", "error", err)
		writeError(w, "Failed to list proxies", http.StatusInternalServerError)
		return
	}

	views := make([]proxyView, 0, len(list))
	for i := range list {
		views = append(views, proxyView{
			ID:        list[i].ID,
			URL:       list[i].Redacted(),
			Active:    list[i].Active,
			FailCount: list[i].FailCount,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// addProxies takes a plain-text body with one proxy URL per line.
func (s *Server) addProxies(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	submitted, err := s.registry.BulkLoad(r.Context(), strings.Split(string(body), "\n"))
	if err != nil {
		log.Error("add proxies failed", "error", err)
		writeError(w, "Failed to add proxies", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"submitted": submitted})
}
