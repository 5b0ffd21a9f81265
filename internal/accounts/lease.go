package accounts

import (
	"context"
	"database/sql"
	"time"

	"quotapool/internal/domain"

	"github.com/charmbracelet/log"
)

// eligible is the leasability predicate: active and not locked for @key at
// @now_unix. It appears twice in the lease statement so that a row another
// caller claimed between selection and update fails the outer check.
func (p *Pool) eligible() string {
	lock := p.dialect.ReadInt("locks")
	return "active = true AND (" + lock + " IS NULL OR " + lock + " < @now_unix)"
}

func (p *Pool) orderBy() string {
	if p.order == OrderRandom {
		return p.dialect.Random()
	}
	return "username"
}

func (p *Pool) leaseStatement() string {
	return "UPDATE accounts SET locks = " + p.dialect.SetInt("locks", "@until") + ", last_used = @now" +
		" WHERE username = (SELECT username FROM accounts WHERE " + p.eligible() +
		" ORDER BY " + p.orderBy() + " LIMIT 1" + p.dialect.RowLock() + ")" +
		" AND " + p.eligible() +
		" RETURNING username"
}

// LeaseForQueue claims one leasable account for the queue until now+TTL. It
// returns (nil, nil) when none is leasable.
func (p *Pool) LeaseForQueue(ctx context.Context, queue string) (*domain.Account, error) {
	if err := ValidateQueue(queue); err != nil {
		return nil, err
	}

	now := p.clock.Now().UTC()
	args := map[string]any{
		"key":      p.dialect.KeyArg(queue),
		"now":      now,
		"now_unix": now.Unix(),
		"until":    now.Add(p.leaseTTL).Unix(),
	}

	var leased []string
	if err := p.db.WithContext(ctx).Raw(p.leaseStatement(), args).Scan(&leased).Error; err != nil {
		return nil, storageError("lease "+queue, err)
	}
	if len(leased) == 0 {
		return nil, nil
	}

	// The lock is already held; this read only materialises the row.
	var account domain.Account
	if err := p.db.WithContext(ctx).Where("username = ?", leased[0]).Take(&account).Error; err != nil {
		return nil, storageError("lease "+queue, err)
	}

	log.Debug("Account leased", "username", account.Username, "queue", queue)
	return &account, nil
}

// LeaseForQueueOrWait retries LeaseForQueue until an account frees up, the
// context ends, or no active account remains. In the last case it returns
// (nil, nil).
func (p *Pool) LeaseForQueueOrWait(ctx context.Context, queue string) (*domain.Account, error) {
	waited := false
	var released <-chan struct{}

	for {
		account, err := p.LeaseForQueue(ctx, queue)
		if err != nil {
			return nil, err
		}
		if account != nil {
			if waited {
				log.Info("Continuing with account", "username", account.Username, "queue", queue)
			}
			return account, nil
		}

		if p.raiseWhenNoAccount {
			return nil, ErrNoAccountAvailable
		}

		if !waited {
			next, err := p.NextAvailableAt(ctx, queue)
			if err != nil {
				return nil, err
			}
			if next == nil {
				active, err := p.countActive(ctx)
				if err != nil {
					return nil, err
				}
				if active == 0 {
					log.Warn("No active accounts. Stopping...", "queue", queue)
					return nil, nil
				}
				log.Info("No account available for queue", "queue", queue)
			} else {
				log.Info("No account available for queue", "queue", queue, "next_available_at", next.Local().Format(time.TimeOnly))
			}
			waited = true

			if p.notifier != nil {
				ch, cancel := p.notifier.Subscribe(ctx, queue)
				defer cancel()
				released = ch
			}
		}

		timer := p.clock.NewTimer(p.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.Chan():
		case <-released:
			timer.Stop()
		}
	}
}

// Release sets the queue lock to unlockAt and adds reqCountDelta to the
// queue's counter in one statement. An unlockAt at or before now unlocks.
func (p *Pool) Release(ctx context.Context, username, queue string, unlockAt time.Time, reqCountDelta int64) error {
	if err := ValidateQueue(queue); err != nil {
		return err
	}

	now := p.clock.Now().UTC()
	released := !unlockAt.After(now)

	// Lock values have second resolution and leasing compares strictly, so an
	// unlock time at or before now drops the key instead of storing it.
	locks := p.dialect.SetInt("locks", "@until")
	if released {
		locks = p.dialect.Remove("locks")
	}
	stmt := "UPDATE accounts SET locks = " + locks +
		", stats = " + p.dialect.Increment("stats") +
		", last_used = @now WHERE LOWER(username) = LOWER(@username)"
	args := map[string]any{
		"key":      p.dialect.KeyArg(queue),
		"until":    unlockAt.Unix(),
		"delta":    reqCountDelta,
		"now":      now,
		"username": username,
	}

	if err := p.db.WithContext(ctx).Exec(stmt, args).Error; err != nil {
		return storageError("release "+queue, err)
	}

	if released {
		p.publish(ctx, queue)
	}
	return nil
}

// Unlock removes the queue lock so the account is leasable again right away.
func (p *Pool) Unlock(ctx context.Context, username, queue string, reqCountDelta int64) error {
	if err := ValidateQueue(queue); err != nil {
		return err
	}

	now := p.clock.Now().UTC()
	stmt := "UPDATE accounts SET locks = " + p.dialect.Remove("locks")
	if reqCountDelta != 0 {
		stmt += ", stats = " + p.dialect.Increment("stats")
	}
	stmt += ", last_used = @now WHERE LOWER(username) = LOWER(@username)"

	args := map[string]any{
		"key":      p.dialect.KeyArg(queue),
		"delta":    reqCountDelta,
		"now":      now,
		"username": username,
	}

	if err := p.db.WithContext(ctx).Exec(stmt, args).Error; err != nil {
		return storageError("unlock "+queue, err)
	}

	p.publish(ctx, queue)
	return nil
}

// Extend pushes an unexpired lease further out. It fails with ErrLeaseNotHeld
// once the lock has lapsed, since another caller may already hold the account.
func (p *Pool) Extend(ctx context.Context, username, queue string, until time.Time) error {
	if err := ValidateQueue(queue); err != nil {
		return err
	}

	now := p.clock.Now().UTC()
	lock := p.dialect.ReadInt("locks")
	stmt := "UPDATE accounts SET locks = " + p.dialect.SetInt("locks", "@until") +
		" WHERE LOWER(username) = LOWER(@username) AND " + lock + " IS NOT NULL AND " + lock + " >= @now_unix"
	args := map[string]any{
		"key":      p.dialect.KeyArg(queue),
		"until":    until.Unix(),
		"now_unix": now.Unix(),
		"username": username,
	}

	result := p.db.WithContext(ctx).Exec(stmt, args)
	if result.Error != nil {
		return storageError("extend "+queue, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

// NextAvailableAt returns the earliest lock time on the queue among active
// accounts, or nil when none of them holds a lock for it.
func (p *Pool) NextAvailableAt(ctx context.Context, queue string) (*time.Time, error) {
	if err := ValidateQueue(queue); err != nil {
		return nil, err
	}

	lock := p.dialect.ReadInt("locks")
	stmt := "SELECT MIN(" + lock + ") FROM accounts WHERE active = true AND " + lock + " IS NOT NULL"

	var earliest sql.NullInt64
	if err := p.db.WithContext(ctx).Raw(stmt, map[string]any{"key": p.dialect.KeyArg(queue)}).Row().Scan(&earliest); err != nil {
		return nil, storageError("next available "+queue, err)
	}
	if !earliest.Valid {
		return nil, nil
	}

	at := time.Unix(earliest.Int64, 0).UTC()
	return &at, nil
}

// PruneExpiredLocks drops lock keys whose time has passed. Live locks are
// never rewritten because every update removes a single key.
func (p *Pool) PruneExpiredLocks(ctx context.Context) (int64, error) {
	queues, err := p.lockedQueues(ctx)
	if err != nil {
		return 0, err
	}

	nowUnix := p.clock.Now().Unix()
	lock := p.dialect.ReadInt("locks")
	stmt := "UPDATE accounts SET locks = " + p.dialect.Remove("locks") +
		" WHERE " + lock + " IS NOT NULL AND " + lock + " < @now_unix"

	var pruned int64
	for _, queue := range queues {
		result := p.db.WithContext(ctx).Exec(stmt, map[string]any{
			"key":      p.dialect.KeyArg(queue),
			"now_unix": nowUnix,
		})
		if result.Error != nil {
			return pruned, storageError("prune "+queue, result.Error)
		}
		pruned += result.RowsAffected
	}
	return pruned, nil
}

func (p *Pool) lockedQueues(ctx context.Context) ([]string, error) {
	var queues []string
	if err := p.db.WithContext(ctx).Raw(p.dialect.DistinctKeys("accounts", "locks")).Scan(&queues).Error; err != nil {
		return nil, storageError("list queues", err)
	}
	return queues, nil
}

func (p *Pool) countActive(ctx context.Context) (int64, error) {
	var count int64
	if err := p.db.WithContext(ctx).Model(&domain.Account{}).Where("active = ?", true).Count(&count).Error; err != nil {
		return 0, storageError("count active", err)
	}
	return count, nil
}

func (p *Pool) publish(ctx context.Context, queue string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Publish(ctx, queue); err != nil {
		log.Debug("Release notification failed", "queue", queue, "error", err)
	}
}
