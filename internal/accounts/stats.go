package accounts

import (
	"context"
	"sort"
	"strings"
	"time"

	"quotapool/internal/domain"
)

const errorMsgPreviewRunes = 60

type PoolStats struct {
	Total    int64            `json:"total"`
	Active   int64            `json:"active"`
	Inactive int64            `json:"inactive"`
	Locked   map[string]int64 `json:"locked"`
}

// Rows flattens the stats into the classic total/active/inactive/locked_<queue> shape.
func (s PoolStats) Rows() map[string]int64 {
	rows := map[string]int64{
		"total":    s.Total,
		"active":   s.Active,
		"inactive": s.Inactive,
	}
	for queue, count := range s.Locked {
		rows["locked_"+queue] = count
	}
	return rows
}

func (p *Pool) Stats(ctx context.Context) (PoolStats, error) {
	stats := PoolStats{Locked: map[string]int64{}}

	if err := p.db.WithContext(ctx).Model(&domain.Account{}).Count(&stats.Total).Error; err != nil {
		return PoolStats{}, storageError("stats", err)
	}
	if err := p.db.WithContext(ctx).Model(&domain.Account{}).Where("active = ?", true).Count(&stats.Active).Error; err != nil {
		return PoolStats{}, storageError("stats", err)
	}
	stats.Inactive = stats.Total - stats.Active

	queues, err := p.lockedQueues(ctx)
	if err != nil {
		return PoolStats{}, err
	}

	nowUnix := p.clock.Now().Unix()
	lock := p.dialect.ReadInt("locks")
	stmt := "SELECT COUNT(*) FROM accounts WHERE " + lock + " IS NOT NULL AND " + lock + " > @now_unix"
	for _, queue := range queues {
		var count int64
		if err := p.db.WithContext(ctx).Raw(stmt, map[string]any{
			"key":      p.dialect.KeyArg(queue),
			"now_unix": nowUnix,
		}).Row().Scan(&count); err != nil {
			return PoolStats{}, storageError("stats "+queue, err)
		}
		stats.Locked[queue] = count
	}

	return stats, nil
}

type AccountInfo struct {
	Username string     `json:"username"`
	LoggedIn bool       `json:"logged_in"`
	Active   bool       `json:"active"`
	LastUsed *time.Time `json:"last_used"`
	TotalReq int64      `json:"total_req"`
	ErrorMsg string     `json:"error_msg"`
}

// AccountsInfo lists every account with active ones first, then the most
// recently used among those that served requests, then by username.
func (p *Pool) AccountsInfo(ctx context.Context) ([]AccountInfo, error) {
	list, err := p.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]AccountInfo, 0, len(list))
	for i := range list {
		account := &list[i]
		item := AccountInfo{
			Username: account.Username,
			LoggedIn: account.LoggedIn(),
			Active:   account.Active,
			LastUsed: account.LastUsed,
			TotalReq: account.Stats.Total(),
		}
		if account.ErrorMsg != nil {
			item.ErrorMsg = truncateRunes(*account.ErrorMsg, errorMsgPreviewRunes)
		}
		items = append(items, item)
	}

	SortAccountsInfo(items)
	return items, nil
}

func SortAccountsInfo(items []AccountInfo) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Active != b.Active {
			return a.Active
		}
		ta, tb := sortTime(a), sortTime(b)
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return strings.ToLower(a.Username) < strings.ToLower(b.Username)
	})
}

func sortTime(item AccountInfo) time.Time {
	if item.TotalReq > 0 && item.LastUsed != nil {
		return *item.LastUsed
	}
	return time.Unix(0, 0)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
