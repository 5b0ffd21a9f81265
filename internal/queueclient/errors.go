package queueclient

import (
	"errors"
	"fmt"

	"quotapool/internal/domain"
)

var (
	ErrClientClosed = errors.New("queue client closed")
	ErrProxyFailure = errors.New("proxy failure")
	ErrAuthFailure  = errors.New("account authentication rejected")
)

// ProxyError is returned once the assigned proxy and its one replacement
// have both failed, or no replacement was available.
type ProxyError struct {
	ProxyURL string
	Err      error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy %s: %v", domain.RedactProxyURL(e.ProxyURL), e.Err)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

func (e *ProxyError) Is(target error) bool {
	return target == ErrProxyFailure
}

type AuthError struct {
	Username   string
	StatusCode int
	Reason     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("account %s rejected with status %d: %s", e.Username, e.StatusCode, e.Reason)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailure
}
