package maintenance

import (
	"context"
	"errors"
	"time"

	"quotapool/internal/accounts"
	"quotapool/internal/support"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockJanitorInterval = 10 * time.Minute
	lockJanitorLeaderKey       = "quotapool:leader:lock_janitor"
)

// LockPruner is the part of accounts.Pool the janitor needs.
type LockPruner interface {
	PruneExpiredLocks(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (accounts.PoolStats, error)
}

// StartLockJanitor blocks until ctx ends, pruning expired locks on whichever
// instance holds the janitor leadership key.
func StartLockJanitor(ctx context.Context, client redis.UniversalClient, pool LockPruner, interval time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := support.RunWithLeader(ctx, client, lockJanitorLeaderKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runLockJanitorLoop(leaderCtx, pool, interval)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Lock janitor stopped", "error", err)
	}
}

func runLockJanitorLoop(ctx context.Context, pool LockPruner, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultLockJanitorInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runLockJanitor(ctx, pool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runLockJanitor(ctx, pool)
		}
	}
}

func runLockJanitor(ctx context.Context, pool LockPruner) {
	start := time.Now()

	pruned, err := pool.PruneExpiredLocks(ctx)
	if err != nil {
		log.Error("Failed to prune expired locks", "error", err)
		return
	}

	stats, err := pool.Stats(ctx)
	if err != nil {
		log.Error("Failed to collect pool stats", "error", err)
		return
	}

	log.Info(
		"Lock janitor completed",
		"locks_pruned", pruned,
		"total", stats.Total,
		"active", stats.Active,
		"inactive", stats.Inactive,
		"locked", stats.Locked,
		"duration", time.Since(start),
	)
}
