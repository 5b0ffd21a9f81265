package server

import (
	"net/http"

	"quotapool/internal/accounts"

	"github.com/charmbracelet/log"
)

type deleteAccountsRequest struct {
	Usernames []string `json:"usernames"`
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	infos, err := s.pool.AccountsInfo(r.Context())
	if err != nil {
		log.Error("accounts info failed", "error", err)
		writeError(w, "Failed to list accounts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) addAccounts(w http.ResponseWriter, r *http.Request) {
	var batch []accounts.NewAccount
	if !decodeJSON(w, r, &batch) {
		return
	}

	added := 0
	for _, in := range batch {
		if err := s.pool.Add(r.Context(), in); err != nil {
			log.Warn("add account failed", "username", in.Username, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		added++
	}

	writeJSON(w, http.StatusOK, map[string]int{"submitted": added})
}

func (s *Server) deleteAccounts(w http.ResponseWriter, r *http.Request) {
	var req deleteAccountsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Usernames) == 0 {
		writeError(w, "No usernames provided", http.StatusBadRequest)
		return
	}

	deleted, err := s.pool.Delete(r.Context(), req.Usernames...)
	if err != nil {
		log.Error("delete accounts failed", "error", err)
		writeError(w, "Failed to delete accounts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) reloginFailed(w http.ResponseWriter, r *http.Request) {
	counter, err := s.pool.ReloginFailed(r.Context())
	if err != nil {
		log.Error("relogin failed accounts", "error", err)
		writeError(w, "Failed to relogin accounts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}
