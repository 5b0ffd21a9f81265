package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"quotapool/internal/database/databasetest"
	"quotapool/internal/domain"
	"quotapool/internal/proxies"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

const testQueue = "SearchTimeline"

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setupPoolTest(t *testing.T, opts ...Option) (*Pool, *gorm.DB, *clockwork.FakeClock) {
	t.Helper()
	db := databasetest.Open(t)
	return newTestPool(t, db, opts...)
}

func newTestPool(t *testing.T, db *gorm.DB, opts ...Option) (*Pool, *gorm.DB, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	registry := proxies.NewRegistry(db, proxies.WithClock(clock))
	all := append([]Option{WithClock(clock), WithPollInterval(time.Second)}, opts...)
	return NewPool(db, registry, all...), db, clock
}

func addActiveAccount(t *testing.T, pool *Pool, username string) {
	t.Helper()
	if err := pool.Add(context.Background(), NewAccount{
		Username:      username,
		Password:      "pw-" + username,
		Email:         username + "@example.com",
		EmailPassword: "mail-" + username,
		Cookies:       `{"ct0":"csrf-` + username + `"}`,
	}); err != nil {
		t.Fatalf("add account %s: %v", username, err)
	}
}

func TestAdd_IsIdempotentAndCaseInsensitive(t *testing.T) {
	pool, db, _ := setupPoolTest(t)
	ctx := context.Background()

	if err := pool.Add(ctx, NewAccount{Username: "Alice", Password: "first", Email: "a@example.com"}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := pool.Add(ctx, NewAccount{Username: "alice", Password: "second", Email: "b@example.com"}); err != nil {
		t.Fatalf("second add: %v", err)
	}

	var count int64
	if err := db.Model(&domain.Account{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 account, got %d", count)
	}

	account, err := pool.Get(ctx, "ALICE")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if account.Password != "first" || account.Email != "a@example.com" {
		t.Fatalf("expected stored account untouched, got password=%q email=%q", account.Password, account.Email)
	}
	if account.Active {
		t.Fatal("expected account without session cookie to be inactive")
	}
	if account.UserAgent != domain.DefaultUserAgent {
		t.Fatalf("expected default user agent, got %q", account.UserAgent)
	}
	if account.PasswordEncrypted == "first" {
		t.Fatal("expected password to be encrypted at rest")
	}
}

func TestAdd_SessionCookieActivatesAndProxyIsEnsured(t *testing.T) {
	pool, _, _ := setupPoolTest(t)
	ctx := context.Background()

	in := NewAccount{
		Username: "bob",
		Password: "pw",
		Proxy:    "http://10.0.0.1:8080",
		Cookies:  "ct0=abc; auth_token=def",
	}
	if err := pool.Add(ctx, in); err != nil {
		t.Fatalf("add: %v", err)
	}

	account, err := pool.Get(ctx, "bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !account.Active {
		t.Fatal("expected account with ct0 cookie to be active")
	}
	if account.ProxyID == nil {
		t.Fatal("expected proxy id to be stored")
	}
	if account.Cookies["auth_token"] != "def" {
		t.Fatalf("unexpected cookies %v", account.Cookies)
	}
}

func TestAdd_RejectsMalformedCookies(t *testing.T) {
	pool, _, _ := setupPoolTest(t)

	err := pool.Add(context.Background(), NewAccount{Username: "carol", Cookies: "garbage"})
	if !errors.Is(err, domain.ErrInvalidCookies) {
		t.Fatalf("expected ErrInvalidCookies, got %v", err)
	}
}

func TestGet_UnknownAccount(t *testing.T) {
	pool, _, _ := setupPoolTest(t)

	if _, err := pool.Get(context.Background(), "ghost"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDelete_RemovesOnlyTargetedRows(t *testing.T) {
	pool, _, _ := setupPoolTest(t)
	ctx := context.Background()

	for _, name := range []string{"u1", "u2", "u3"} {
		addActiveAccount(t, pool, name)
	}

	deleted, err := pool.Delete(ctx, "u1", "U1", "u3", "missing")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", deleted)
	}

	all, err := pool.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 1 || all[0].Username != "u2" {
		t.Fatalf("expected only u2 to remain, got %#v", all)
	}

	if deleted, err := pool.Delete(ctx); err != nil || deleted != 0 {
		t.Fatalf("expected empty delete to be a no-op, got %d %v", deleted, err)
	}
}

func TestDeleteInactive(t *testing.T) {
	pool, _, _ := setupPoolTest(t)
	ctx := context.Background()

	addActiveAccount(t, pool, "keep")
	if err := pool.Add(ctx, NewAccount{Username: "drop"}); err != nil {
		t.Fatalf("add inactive: %v", err)
	}

	deleted, err := pool.DeleteInactive(ctx)
	if err != nil {
		t.Fatalf("delete inactive: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := pool.Get(ctx, "keep"); err != nil {
		t.Fatalf("expected active account to survive: %v", err)
	}
}

func TestMarkInactiveAndSetActive(t *testing.T) {
	pool, _, _ := setupPoolTest(t)
	ctx := context.Background()
	addActiveAccount(t, pool, "dora")

	if err := pool.MarkInactive(ctx, "Dora", "suspended"); err != nil {
		t.Fatalf("mark inactive: %v", err)
	}
	account, err := pool.Get(ctx, "dora")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if account.Active || account.ErrorMsg == nil || *account.ErrorMsg != "suspended" {
		t.Fatalf("unexpected state active=%v error=%v", account.Active, account.ErrorMsg)
	}
	if account.Password != "pw-dora" {
		t.Fatalf("expected credentials to survive column updates, got %q", account.Password)
	}

	if err := pool.SetActive(ctx, "dora", true); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := pool.SetActive(ctx, "ghost", true); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSave_UpsertsAllColumns(t *testing.T) {
	pool, _, _ := setupPoolTest(t)
	ctx := context.Background()

	account := &domain.Account{Username: "erin", Password: "secret", Active: true}
	if err := pool.Save(ctx, account); err != nil {
		t.Fatalf("insert via save: %v", err)
	}

	loaded, err := pool.Get(ctx, "erin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	loaded.Active = false
	loaded.Headers = domain.StringMap{"authorization": "Bearer x"}
	if err := pool.Save(ctx, loaded); err != nil {
		t.Fatalf("update via save: %v", err)
	}

	again, err := pool.Get(ctx, "erin")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Active {
		t.Fatal("expected save to persist active=false")
	}
	if !again.LoggedIn() {
		t.Fatal("expected authorization header to persist")
	}
	if again.Password != "secret" {
		t.Fatalf("expected password to survive, got %q", again.Password)
	}
}

func TestSetProxy(t *testing.T) {
	pool, _, _ := setupPoolTest(t)
	ctx := context.Background()
	addActiveAccount(t, pool, "fred")

	id := uint64(42)
	if err := pool.SetProxy(ctx, "fred", &id); err != nil {
		t.Fatalf("set proxy: %v", err)
	}
	account, err := pool.Get(ctx, "fred")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if account.ProxyID == nil || *account.ProxyID != 42 {
		t.Fatalf("expected dangling proxy id 42 to be stored, got %v", account.ProxyID)
	}

	if err := pool.SetProxy(ctx, "fred", nil); err != nil {
		t.Fatalf("clear proxy: %v", err)
	}
	account, err = pool.Get(ctx, "fred")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if account.ProxyID != nil {
		t.Fatalf("expected proxy cleared, got %v", *account.ProxyID)
	}
}
