package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var ErrInvalidProxyURL = errors.New("invalid proxy url")

type Proxy struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	URL        string     `gorm:"column:url;not null;uniqueIndex" json:"url"`
	Active     bool       `gorm:"not null;default:true" json:"active"`
	FailCount  int        `gorm:"not null;default:0" json:"fail_count"`
	LastFailed *time.Time `json:"last_failed,omitempty"`
}

func (Proxy) TableName() string {
	return "proxies"
}

// NormalizeProxyURL trims the value and checks that it names a proxy the
// transports can dial.
func NormalizeProxyURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProxyURL)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidProxyURL, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https", "socks5", "socks5h":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxyURL, parsed.Scheme)
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidProxyURL)
	}

	return raw, nil
}

// Redacted returns the URL with any password masked, for logs.
func (proxy *Proxy) Redacted() string {
	return RedactProxyURL(proxy.URL)
}

func RedactProxyURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return parsed.Redacted()
}
