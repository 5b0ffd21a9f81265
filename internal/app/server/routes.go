package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"quotapool/internal/accounts"
	"quotapool/internal/auth"
	"quotapool/internal/proxies"

	"github.com/charmbracelet/log"
)

const (
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 8 << 20
)

// Server exposes the pool's administrative operations over HTTP.
type Server struct {
	pool     *accounts.Pool
	registry *proxies.Registry
	tokens   *auth.TokenManager
}

func New(pool *accounts.Pool, registry *proxies.Registry, tokens *auth.TokenManager) *Server {
	return &Server{pool: pool, registry: registry, tokens: tokens}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	protect := func(h http.HandlerFunc) http.Handler {
		return s.tokens.RequireAuth(h)
	}

	router := http.NewServeMux()
	router.HandleFunc("GET /healthz", s.healthz)
	router.Handle("GET /stats", protect(s.getStats))

	router.Handle("GET /accounts", protect(s.listAccounts))
	router.Handle("POST /accounts", protect(s.addAccounts))
	router.Handle("DELETE /accounts", protect(s.deleteAccounts))
	router.Handle("POST /accounts/relogin-failed", protect(s.reloginFailed))
	router.Handle("POST /locks/reset", protect(s.resetLocks))

	router.Handle("GET /proxies", protect(s.listProxies))
	router.Handle("POST /proxies", protect(s.addProxies))

	router.Handle("POST /queues/{queue}/lease", protect(s.leaseAccount))
	router.Handle("POST /queues/{queue}/release", protect(s.releaseAccount))

	return enableCORS(router)
}

// ListenAndServe serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting admin API", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin api shutdown: %w", err)
		}
		return nil
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}
