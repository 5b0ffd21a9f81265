package accounts

import (
	"context"
	"fmt"
	"sync/atomic"

	"quotapool/internal/domain"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// Authenticator performs the service login handshake, leaving the session in
// the account's headers and cookies.
type Authenticator interface {
	Login(ctx context.Context, account *domain.Account) error
}

// NoopAuthenticator is used when no handshake is wired. Accounts with a
// pre-supplied session cookie never reach it.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Login(context.Context, *domain.Account) error {
	return ErrLoginUnavailable
}

type LoginCounter struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Login activates the account, calling the authenticator unless the account
// already carries a session cookie. Failures deactivate the account.
func (p *Pool) Login(ctx context.Context, account *domain.Account) bool {
	if !account.HasSession(p.sessionCookie) {
		if err := p.auth.Login(ctx, account); err != nil {
			log.Error("Failed to login", "username", account.Username, "error", err)
			if markErr := p.MarkInactive(ctx, account.Username, err.Error()); markErr != nil {
				log.Error("Failed to record login failure", "username", account.Username, "error", markErr)
			}
			return false
		}
	}

	account.Active = true
	account.ErrorMsg = nil
	if err := p.Save(ctx, account); err != nil {
		log.Error("Failed to save account after login", "username", account.Username, "error", err)
		return false
	}

	log.Info("Logged in", "username", account.Username)
	return true
}

// LoginAll logs in the named accounts, or every inactive account without an
// error when usernames is nil.
func (p *Pool) LoginAll(ctx context.Context, usernames []string) (LoginCounter, error) {
	query := p.db.WithContext(ctx).Order("username")
	if usernames == nil {
		query = query.Where("active = ? AND error_msg IS NULL", false)
	} else {
		names := normalizeUsernames(usernames)
		if len(names) == 0 {
			return LoginCounter{}, nil
		}
		query = query.Where("LOWER(username) IN ?", names)
	}

	var list []domain.Account
	if err := query.Find(&list).Error; err != nil {
		return LoginCounter{}, fmt.Errorf("load accounts for login: %w", err)
	}

	var success, failed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.loginConcurrency)

	for i := range list {
		account := &list[i]
		position := i + 1
		group.Go(func() error {
			log.Info("Logging in", "progress", fmt.Sprintf("%d/%d", position, len(list)), "username", account.Username, "email", account.Email)
			if p.Login(groupCtx, account) {
				success.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()

	return LoginCounter{
		Total:   len(list),
		Success: int(success.Load()),
		Failed:  int(failed.Load()),
	}, nil
}

// Relogin wipes the session state of the named accounts and logs them in again.
func (p *Pool) Relogin(ctx context.Context, usernames ...string) (LoginCounter, error) {
	names := normalizeUsernames(usernames)
	if len(names) == 0 {
		log.Warn("No usernames provided")
		return LoginCounter{}, nil
	}

	if err := p.db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("LOWER(username) IN ?", names).
		UpdateColumns(map[string]any{
			"active":     false,
			"locks":      domain.Locks{},
			"last_used":  nil,
			"error_msg":  nil,
			"headers":    domain.StringMap{},
			"cookies":    domain.StringMap{},
			"user_agent": domain.DefaultUserAgent,
		}).Error; err != nil {
		return LoginCounter{}, fmt.Errorf("reset accounts for relogin: %w", err)
	}

	return p.LoginAll(ctx, names)
}

func (p *Pool) ReloginFailed(ctx context.Context) (LoginCounter, error) {
	var names []string
	if err := p.db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("active = ? AND error_msg IS NOT NULL", false).
		Pluck("username", &names).Error; err != nil {
		return LoginCounter{}, fmt.Errorf("list failed accounts: %w", err)
	}
	return p.Relogin(ctx, names...)
}
