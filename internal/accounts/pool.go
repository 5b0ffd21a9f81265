package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quotapool/internal/database"
	"quotapool/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

// ProxyEnsurer resolves a proxy URL to a registry id, creating it on first use.
type ProxyEnsurer interface {
	Ensure(ctx context.Context, rawURL string) (uint64, error)
}

// Pool hands out accounts per queue. Mutual exclusion between callers, in this
// process or another, lives entirely in the lease statement.
type Pool struct {
	db      *gorm.DB
	dialect database.JSONDialect
	proxies ProxyEnsurer

	clock              clockwork.Clock
	leaseTTL           time.Duration
	pollInterval       time.Duration
	raiseWhenNoAccount bool
	order              Order
	auth               Authenticator
	notifier           Notifier
	sessionCookie      string
	loginConcurrency   int
}

// NewAccount carries the fields accepted when registering an account.
type NewAccount struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	Email         string `json:"email"`
	EmailPassword string `json:"email_password"`
	UserAgent     string `json:"user_agent,omitempty"`
	Proxy         string `json:"proxy,omitempty"`
	Cookies       string `json:"cookies,omitempty"`
	MFACode       string `json:"mfa_code,omitempty"`
}

func NewPool(db *gorm.DB, proxies ProxyEnsurer, opts ...Option) *Pool {
	p := &Pool{
		db:               db,
		dialect:          database.DialectFor(db),
		proxies:          proxies,
		clock:            clockwork.NewRealClock(),
		leaseTTL:         DefaultLeaseTTL,
		pollInterval:     DefaultPollInterval,
		order:            OrderUsername,
		auth:             NoopAuthenticator{},
		sessionCookie:    DefaultSessionCookie,
		loginConcurrency: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) LeaseTTL() time.Duration {
	return p.leaseTTL
}

func (p *Pool) Clock() clockwork.Clock {
	return p.clock
}

func (p *Pool) SessionCookie() string {
	return p.sessionCookie
}

// Add registers an account. An existing username, in any letter case, is left
// untouched and reported as a warning only.
func (p *Pool) Add(ctx context.Context, in NewAccount) error {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return fmt.Errorf("add account: username is required")
	}

	exists, err := p.exists(ctx, username)
	if err != nil {
		return fmt.Errorf("add account %s: %w", username, err)
	}
	if exists {
		log.Warn("Account already exists", "username", username)
		return nil
	}

	cookies, err := domain.ParseCookies(in.Cookies)
	if err != nil {
		return fmt.Errorf("add account %s: %w", username, err)
	}

	account := domain.Account{
		Username:      username,
		Password:      in.Password,
		Email:         in.Email,
		EmailPassword: in.EmailPassword,
		UserAgent:     in.UserAgent,
		Locks:         domain.Locks{},
		Stats:         domain.Counters{},
		Headers:       domain.StringMap{},
		Cookies:       cookies,
	}
	if account.UserAgent == "" {
		account.UserAgent = domain.DefaultUserAgent
	}
	if in.MFACode != "" {
		mfa := in.MFACode
		account.MFACode = &mfa
	}

	if proxyURL := strings.TrimSpace(in.Proxy); proxyURL != "" {
		if p.proxies == nil {
			return fmt.Errorf("add account %s: no proxy registry configured", username)
		}
		id, err := p.proxies.Ensure(ctx, proxyURL)
		if err != nil {
			return fmt.Errorf("add account %s: %w", username, err)
		}
		account.ProxyID = &id
	}

	account.Active = account.HasSession(p.sessionCookie)

	if err := p.db.WithContext(ctx).Create(&account).Error; err != nil {
		if database.IsUniqueViolation(err) {
			log.Warn("Account already exists", "username", username)
			return nil
		}
		return fmt.Errorf("add account %s: %w", username, err)
	}

	log.Info("Account added", "username", username, "active", account.Active)
	return nil
}

func (p *Pool) exists(ctx context.Context, username string) (bool, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("LOWER(username) = LOWER(?)", username).
		Count(&count).Error
	return count > 0, err
}

func (p *Pool) Get(ctx context.Context, username string) (*domain.Account, error) {
	var account domain.Account
	err := p.db.WithContext(ctx).
		Where("LOWER(username) = LOWER(?)", username).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", username, err)
	}
	return &account, nil
}

func (p *Pool) GetAll(ctx context.Context) ([]domain.Account, error) {
	var list []domain.Account
	if err := p.db.WithContext(ctx).Order("username").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return list, nil
}

// Save writes every column of the account, inserting it when it is new. A
// username that differs only in case from a stored one targets that row.
func (p *Pool) Save(ctx context.Context, account *domain.Account) error {
	if account == nil || strings.TrimSpace(account.Username) == "" {
		return fmt.Errorf("save account: username is required")
	}

	var stored []string
	if err := p.db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("LOWER(username) = LOWER(?)", account.Username).
		Limit(1).
		Pluck("username", &stored).Error; err != nil {
		return fmt.Errorf("save account %s: %w", account.Username, err)
	}
	if len(stored) == 1 {
		account.Username = stored[0]
	}

	if err := p.db.WithContext(ctx).Save(account).Error; err != nil {
		return fmt.Errorf("save account %s: %w", account.Username, err)
	}
	return nil
}

// Delete removes exactly the named accounts and reports how many rows went.
func (p *Pool) Delete(ctx context.Context, usernames ...string) (int64, error) {
	names := normalizeUsernames(usernames)
	if len(names) == 0 {
		log.Warn("No usernames provided")
		return 0, nil
	}

	result := p.db.WithContext(ctx).
		Where("LOWER(username) IN ?", names).
		Delete(&domain.Account{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete accounts: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (p *Pool) DeleteInactive(ctx context.Context) (int64, error) {
	result := p.db.WithContext(ctx).
		Where("active = ?", false).
		Delete(&domain.Account{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete inactive accounts: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (p *Pool) SetActive(ctx context.Context, username string, active bool) error {
	return p.updateColumns(ctx, "set active", username, map[string]any{"active": active})
}

// SetProxy reassigns the account's proxy. A nil id clears the assignment.
func (p *Pool) SetProxy(ctx context.Context, username string, proxyID *uint64) error {
	return p.updateColumns(ctx, "set proxy", username, map[string]any{"proxy_id": proxyID})
}

// MarkInactive disables the account and records why. Its locks are kept so
// an in-flight lease still expires normally.
func (p *Pool) MarkInactive(ctx context.Context, username, errorMsg string) error {
	var msg *string
	if errorMsg != "" {
		msg = &errorMsg
	}
	if err := p.updateColumns(ctx, "mark inactive", username, map[string]any{
		"active":    false,
		"error_msg": msg,
	}); err != nil {
		return err
	}
	log.Warn("Account marked inactive", "username", username, "reason", errorMsg)
	return nil
}

// ResetLocks clears every lock on every account.
func (p *Pool) ResetLocks(ctx context.Context) error {
	stmt := "UPDATE accounts SET locks = " + p.dialect.EmptyObject()
	if err := p.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("reset locks: %w", err)
	}
	return nil
}

// updateColumns skips model hooks so encrypted columns are never rewritten.
func (p *Pool) updateColumns(ctx context.Context, op, username string, values map[string]any) error {
	result := p.db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("LOWER(username) = LOWER(?)", username).
		UpdateColumns(values)
	if result.Error != nil {
		return fmt.Errorf("%s %s: %w", op, username, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	return nil
}

func normalizeUsernames(usernames []string) []string {
	seen := make(map[string]struct{}, len(usernames))
	names := make([]string, 0, len(usernames))
	for _, name := range usernames {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
