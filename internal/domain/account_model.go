package domain

import (
	"strings"
	"time"

	"quotapool/internal/security"

	"gorm.io/gorm"
)

const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"

// Account is one credentialed identity of the external service.
type Account struct {
	Username string `gorm:"primaryKey;size:255" json:"username"`

	Password          string `gorm:"-" json:"-"`
	PasswordEncrypted string `gorm:"column:password;not null;default:''" json:"-"`

	Email string `gorm:"not null;default:''" json:"email"`

	EmailPassword          string `gorm:"-" json:"-"`
	EmailPasswordEncrypted string `gorm:"column:email_password;not null;default:''" json:"-"`

	UserAgent string  `gorm:"not null;default:''" json:"user_agent"`
	MFACode   *string `gorm:"column:mfa_code" json:"-"`

	Active bool `gorm:"not null;default:false;index:idx_accounts_active_last_used,priority:1" json:"active"`

	Locks   Locks     `gorm:"type:jsonb;not null;default:'{}'" json:"locks"`
	Stats   Counters  `gorm:"type:jsonb;not null;default:'{}'" json:"stats"`
	Headers StringMap `gorm:"type:jsonb;not null;default:'{}'" json:"-"`
	Cookies StringMap `gorm:"type:jsonb;not null;default:'{}'" json:"-"`

	// ProxyID is a weak reference; it is not a foreign key and may dangle.
	ProxyID *uint64 `gorm:"column:proxy_id;index" json:"proxy_id,omitempty"`

	ErrorMsg *string    `json:"error_msg,omitempty"`
	LastUsed *time.Time `gorm:"index:idx_accounts_active_last_used,priority:2" json:"last_used,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Account) TableName() string {
	return "accounts"
}

func (account *Account) BeforeSave(_ *gorm.DB) error {
	if account.Password != "" {
		encrypted, err := security.EncryptSecret(account.Password)
		if err != nil {
			return err
		}
		account.PasswordEncrypted = encrypted
	}

	if account.EmailPassword != "" {
		encrypted, err := security.EncryptSecret(account.EmailPassword)
		if err != nil {
			return err
		}
		account.EmailPasswordEncrypted = encrypted
	}

	if account.Locks == nil {
		account.Locks = Locks{}
	}
	if account.Stats == nil {
		account.Stats = Counters{}
	}
	if account.Headers == nil {
		account.Headers = StringMap{}
	}
	if account.Cookies == nil {
		account.Cookies = StringMap{}
	}

	return nil
}

func (account *Account) AfterFind(_ *gorm.DB) error {
	return account.DecryptSecrets()
}

// DecryptSecrets fills the plaintext credential fields. Rows scanned from raw
// statements do not pass through gorm hooks and call this directly.
func (account *Account) DecryptSecrets() error {
	password, err := security.DecryptSecret(account.PasswordEncrypted)
	if err != nil {
		return err
	}
	account.Password = password

	emailPassword, err := security.DecryptSecret(account.EmailPasswordEncrypted)
	if err != nil {
		return err
	}
	account.EmailPassword = emailPassword

	return nil
}

// HasSession reports whether the cookie jar already carries the session token,
// in which case the account can be used without a login handshake.
func (account *Account) HasSession(sessionCookie string) bool {
	if sessionCookie == "" {
		return false
	}
	return strings.TrimSpace(account.Cookies[sessionCookie]) != ""
}

// LoggedIn reports whether a previous login left an authorization header behind.
func (account *Account) LoggedIn() bool {
	for key, value := range account.Headers {
		if strings.EqualFold(key, "authorization") && value != "" {
			return true
		}
	}
	return false
}

func (account *Account) LockedUntil(queue string) (time.Time, bool) {
	ts, ok := account.Locks[queue]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}
