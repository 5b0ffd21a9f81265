package app

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"quotapool/internal/accounts"
	"quotapool/internal/auth"
	"quotapool/internal/config"
	"quotapool/internal/database/databasetest"
	"quotapool/internal/proxies"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := NewRootCommand()

	want := []string{
		"serve", "add-accounts", "del-accounts", "add-proxies", "accounts", "stats",
		"reset-locks", "relogin", "relogin-failed", "delete-inactive", "fetch", "token",
	}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Fatalf("subcommand %q not registered", name)
		}
	}
}

func TestTokenCommandIssuesValidToken(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ADMIN_JWT_SECRET", "cli-test-secret")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "operator", "--ttl", "1h"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	tokens, err := auth.NewTokenManager("cli-test-secret")
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	claims, err := tokens.Validate(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "operator" {
		t.Fatalf("subject = %q, want operator", claims.Subject)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ADMIN_JWT_SECRET", "")

	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token", "operator"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected error without ADMIN_JWT_SECRET")
	}
}

func TestPoolOptionsApplySettings(t *testing.T) {
	db := databasetest.Open(t)

	cfg := config.Settings{Pool: config.PoolSettings{
		LeaseTTL:         3 * time.Minute,
		PollInterval:     time.Second,
		Order:            "random",
		SessionCookie:    "session",
		LoginConcurrency: 2,
	}}

	pool := accounts.NewPool(db, proxies.NewRegistry(db), PoolOptions(cfg, nil)...)
	if pool.LeaseTTL() != 3*time.Minute {
		t.Fatalf("lease ttl = %s, want 3m", pool.LeaseTTL())
	}
	if pool.SessionCookie() != "session" {
		t.Fatalf("session cookie = %q, want session", pool.SessionCookie())
	}
}

func TestClientOptionsSkipsLimiterWhenUnset(t *testing.T) {
	if got := len(ClientOptions(config.ClientSettings{HTTPTimeout: time.Second})); got != 1 {
		t.Fatalf("options = %d, want 1", got)
	}
	if got := len(ClientOptions(config.ClientSettings{HTTPTimeout: time.Second, RateLimit: 2, RateBurst: 1})); got != 2 {
		t.Fatalf("options = %d, want 2", got)
	}
}
