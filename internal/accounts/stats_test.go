package accounts

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStats_ReflectUsage(t *testing.T) {
	pool, _, _ := setupPoolTest(t)
	ctx := context.Background()

	addActiveAccount(t, pool, "a1")
	addActiveAccount(t, pool, "a2")
	if err := pool.Add(ctx, NewAccount{Username: "off"}); err != nil {
		t.Fatalf("add inactive: %v", err)
	}

	if _, err := pool.LeaseForQueue(ctx, testQueue); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := pool.LeaseForQueue(ctx, "UserTweets"); err != nil {
		t.Fatalf("lease: %v", err)
	}

	stats, err := pool.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Active != 2 || stats.Inactive != 1 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if stats.Locked[testQueue] != 1 || stats.Locked["UserTweets"] != 1 {
		t.Fatalf("unexpected locked counts %v", stats.Locked)
	}

	rows := stats.Rows()
	if rows["total"] != 3 || rows["locked_"+testQueue] != 1 {
		t.Fatalf("unexpected rows %v", rows)
	}

	if err := pool.Unlock(ctx, "a1", testQueue, 0); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	stats, err = pool.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Locked[testQueue] != 0 {
		t.Fatalf("expected no %s locks after unlock, got %v", testQueue, stats.Locked)
	}
}

func TestAccountsInfo_SortOrder(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	items := []AccountInfo{
		{Username: "zoe", Active: false, LastUsed: &late, TotalReq: 5},
		{Username: "Bob", Active: true, LastUsed: &late, TotalReq: 0},
		{Username: "amy", Active: true, LastUsed: &early, TotalReq: 2},
		{Username: "cat", Active: true, LastUsed: &late, TotalReq: 1},
		{Username: "abe", Active: true},
	}

	SortAccountsInfo(items)

	want := []string{"cat", "amy", "abe", "Bob", "zoe"}
	for i, name := range want {
		if items[i].Username != name {
			got := make([]string, len(items))
			for j := range items {
				got[j] = items[j].Username
			}
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestAccountsInfo_SummarisesAccounts(t *testing.T) {
	pool, _, _ := setupPoolTest(t)
	ctx := context.Background()
	addActiveAccount(t, pool, "kim")

	if _, err := pool.LeaseForQueue(ctx, testQueue); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := pool.Unlock(ctx, "kim", testQueue, 7); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := pool.MarkInactive(ctx, "kim", strings.Repeat("é", 80)); err != nil {
		t.Fatalf("mark inactive: %v", err)
	}

	infos, err := pool.AccountsInfo(ctx)
	if err != nil {
		t.Fatalf("accounts info: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 info, got %d", len(infos))
	}
	info := infos[0]
	if info.TotalReq != 7 {
		t.Fatalf("expected total 7, got %d", info.TotalReq)
	}
	if info.LoggedIn {
		t.Fatal("expected account without authorization header to be logged out")
	}
	if n := len([]rune(info.ErrorMsg)); n != 60 {
		t.Fatalf("expected error message truncated to 60 runes, got %d", n)
	}
}
