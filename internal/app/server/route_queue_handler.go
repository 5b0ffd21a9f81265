package server

import (
	"errors"
	"net/http"
	"time"

	"quotapool/internal/accounts"
	"quotapool/internal/domain"

	"github.com/charmbracelet/log"
)

type leaseResponse struct {
	Username    string           `json:"username"`
	UserAgent   string           `json:"user_agent"`
	Headers     domain.StringMap `json:"headers"`
	Cookies     domain.StringMap `json:"cookies"`
	ProxyURL    string           `json:"proxy_url,omitempty"`
	LockedUntil int64            `json:"locked_until"`
}

type releaseRequest struct {
	Username string `json:"username"`
	UnlockAt int64  `json:"unlock_at"`
	ReqCount int64  `json:"req_count"`
}

func (s *Server) leaseAccount(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")

	account, err := s.pool.LeaseForQueue(r.Context(), queue)
	switch {
	case errors.Is(err, accounts.ErrInvalidQueue):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Error("lease failed", "queue", queue, "error", err)
		writeError(w, "Account storage unavailable", http.StatusServiceUnavailable)
		return
	case account == nil:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := leaseResponse{
		Username:  account.Username,
		UserAgent: account.UserAgent,
		Headers:   account.Headers,
		Cookies:   account.Cookies,
	}
	if until, ok := account.LockedUntil(queue); ok {
		resp.LockedUntil = until.Unix()
	}
	if account.ProxyID != nil {
		if url, err := s.registry.URLByID(r.Context(), *account.ProxyID); err == nil {
			resp.ProxyURL = url
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// releaseAccount unlocks immediately when unlock_at is zero or in the past.
func (s *Server) releaseAccount(w http.ResponseWriter, r *http.Request) {
	queue := r.PathValue("queue")

	var req releaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" {
		writeError(w, "username is required", http.StatusBadRequest)
		return
	}

	var err error
	if req.UnlockAt <= s.pool.Clock().Now().Unix() {
		err = s.pool.Unlock(r.Context(), req.Username, queue, req.ReqCount)
	} else {
		err = s.pool.Release(r.Context(), req.Username, queue, time.Unix(req.UnlockAt, 0), req.ReqCount)
	}

	switch {
	case errors.Is(err, accounts.ErrInvalidQueue):
		writeError(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		log.Error("release failed", "queue", queue, "username", req.Username, "error", err)
		writeError(w, "Account storage unavailable", http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
