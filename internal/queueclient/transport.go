package queueclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	directTransportKey = "direct"
	proxyDialTimeout   = 15 * time.Second
)

// proxyDialError marks a failure to reach the proxy itself, as opposed to a
// failure of the upstream behind it.
type proxyDialError struct {
	err error
}

func (e *proxyDialError) Error() string { return "proxy dial: " + e.err.Error() }
func (e *proxyDialError) Unwrap() error { return e.err }

var errProxyAuthRequired = errors.New("proxy authentication required")

func isProxyFailure(err error) bool {
	if err == nil {
		return false
	}

	var dialErr *proxyDialError
	if errors.As(err, &dialErr) {
		return true
	}
	if errors.Is(err, errProxyAuthRequired) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "proxyconnect") ||
		strings.Contains(msg, "socks connect") ||
		strings.Contains(msg, "proxy authentication required")
}

// newTransport builds a transport that reaches the network through proxyURL,
// or directly when proxyURL is empty.
func newTransport(base *http.Transport, proxyURL string) (*http.Transport, error) {
	transport := base.Clone()
	transport.Proxy = nil

	if proxyURL == "" {
		return transport, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: proxyDialTimeout, KeepAlive: 30 * time.Second}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
		// With Proxy set, the transport only ever dials the proxy.
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, &proxyDialError{err: err}
			}
			return conn, nil
		}

	case "socks5", "socks5h":
		socksDialer, err := proxy.FromURL(parsed, dialer)
		if err != nil {
			return nil, err
		}
		contextDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks dialer for %s does not support contexts", parsed.Redacted())
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := contextDialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, &proxyDialError{err: err}
			}
			return conn, nil
		}

	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}

	return transport, nil
}

func defaultBaseTransport() *http.Transport {
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		return base.Clone()
	}
	return &http.Transport{}
}
