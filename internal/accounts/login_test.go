package accounts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"quotapool/internal/database/databasetest"
	"quotapool/internal/domain"
)

type fakeAuthenticator struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeAuthenticator) Login(_ context.Context, account *domain.Account) error {
	f.mu.Lock()
	f.calls = append(f.calls, account.Username)
	f.mu.Unlock()

	if f.fail[account.Username] {
		return errors.New("login rejected")
	}
	account.Headers["authorization"] = "Bearer token"
	account.Cookies["ct0"] = "csrf-" + account.Username
	return nil
}

func TestLoginAll_LogsInPendingAccounts(t *testing.T) {
	auth := &fakeAuthenticator{fail: map[string]bool{"bad": true}}
	pool, _, _ := newTestPool(t, databasetest.OpenFile(t), WithAuthenticator(auth), WithLoginConcurrency(2))
	ctx := context.Background()

	for _, name := range []string{"good", "bad"} {
		if err := pool.Add(ctx, NewAccount{Username: name, Password: "pw"}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	addActiveAccount(t, pool, "already")

	counter, err := pool.LoginAll(ctx, nil)
	if err != nil {
		t.Fatalf("login all: %v", err)
	}
	if counter.Total != 2 || counter.Success != 1 || counter.Failed != 1 {
		t.Fatalf("unexpected counter %+v", counter)
	}

	good, err := pool.Get(ctx, "good")
	if err != nil {
		t.Fatalf("get good: %v", err)
	}
	if !good.Active || !good.LoggedIn() || good.ErrorMsg != nil {
		t.Fatalf("expected good to be active and logged in, got %+v", good)
	}
	if good.Password != "pw" {
		t.Fatalf("expected password preserved, got %q", good.Password)
	}

	bad, err := pool.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("get bad: %v", err)
	}
	if bad.Active || bad.ErrorMsg == nil || !strings.Contains(*bad.ErrorMsg, "login rejected") {
		t.Fatalf("expected bad to be inactive with error, got %+v", bad)
	}

	// Failed accounts are not retried by a plain LoginAll.
	counter, err = pool.LoginAll(ctx, nil)
	if err != nil {
		t.Fatalf("second login all: %v", err)
	}
	if counter.Total != 0 {
		t.Fatalf("expected nothing pending, got %+v", counter)
	}
}

func TestLogin_SessionCookieSkipsHandshake(t *testing.T) {
	auth := &fakeAuthenticator{}
	pool, _, _ := setupPoolTest(t, WithAuthenticator(auth))
	ctx := context.Background()
	addActiveAccount(t, pool, "cookie")

	account, err := pool.Get(ctx, "cookie")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !pool.Login(ctx, account) {
		t.Fatal("expected login to succeed from session cookie")
	}
	if len(auth.calls) != 0 {
		t.Fatalf("expected no handshake, got %v", auth.calls)
	}
}

func TestReloginFailed_ResetsAndRetries(t *testing.T) {
	auth := &fakeAuthenticator{fail: map[string]bool{}}
	pool, _, _ := setupPoolTest(t, WithAuthenticator(auth))
	ctx := context.Background()

	addActiveAccount(t, pool, "flaky")
	if _, err := pool.LeaseForQueue(ctx, testQueue); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := pool.MarkInactive(ctx, "flaky", "rate limited login"); err != nil {
		t.Fatalf("mark inactive: %v", err)
	}

	counter, err := pool.ReloginFailed(ctx)
	if err != nil {
		t.Fatalf("relogin failed: %v", err)
	}
	if counter.Total != 1 || counter.Success != 1 {
		t.Fatalf("unexpected counter %+v", counter)
	}
	if len(auth.calls) != 1 {
		t.Fatalf("expected handshake after cookie reset, got %v", auth.calls)
	}

	account, err := pool.Get(ctx, "flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !account.Active || account.ErrorMsg != nil {
		t.Fatalf("expected account active again, got %+v", account)
	}
	if len(account.Locks) != 0 {
		t.Fatalf("expected locks cleared by relogin, got %v", account.Locks)
	}
	if account.UserAgent != domain.DefaultUserAgent {
		t.Fatalf("expected default user agent, got %q", account.UserAgent)
	}
}

func TestLogin_NoopAuthenticatorDeactivates(t *testing.T) {
	pool, _, _ := setupPoolTest(t)
	ctx := context.Background()
	if err := pool.Add(ctx, NewAccount{Username: "nocookie"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	counter, err := pool.LoginAll(ctx, []string{"nocookie"})
	if err != nil {
		t.Fatalf("login all: %v", err)
	}
	if counter.Failed != 1 {
		t.Fatalf("expected failure, got %+v", counter)
	}

	account, err := pool.Get(ctx, "nocookie")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if account.ErrorMsg == nil || *account.ErrorMsg != ErrLoginUnavailable.Error() {
		t.Fatalf("expected login unavailable error, got %v", account.ErrorMsg)
	}
}
