package queueclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"quotapool/internal/accounts"
	"quotapool/internal/domain"
	"quotapool/internal/proxies"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// AccountPool is the part of accounts.Pool the client drives.
type AccountPool interface {
	LeaseForQueueOrWait(ctx context.Context, queue string) (*domain.Account, error)
	Release(ctx context.Context, username, queue string, unlockAt time.Time, reqCountDelta int64) error
	Unlock(ctx context.Context, username, queue string, reqCountDelta int64) error
	MarkInactive(ctx context.Context, username, errorMsg string) error
	SetProxy(ctx context.Context, username string, proxyID *uint64) error
	LeaseTTL() time.Duration
	SessionCookie() string
}

type ProxySource interface {
	Get(ctx context.Context, id uint64) (*domain.Proxy, error)
	GetActive(ctx context.Context) (*domain.Proxy, error)
	MarkFailed(ctx context.Context, id uint64) error
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

const (
	DefaultHTTPTimeout = 30 * time.Second
	defaultContentType = "application/json"
	csrfHeader         = "x-csrf-token"
)

// Client sends requests for one queue, each on a freshly leased account.
// It is safe for concurrent use.
type Client struct {
	pool     AccountPool
	registry ProxySource
	queue    string

	clock       clockwork.Clock
	httpTimeout time.Duration
	limiter     *rate.Limiter
	quota       QuotaDetector
	auth        AuthDetector
	base        *http.Transport

	mu         sync.Mutex
	transports map[string]*http.Transport
	closed     bool
}

type Option func(*Client)

func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpTimeout = timeout
		}
	}
}

// WithRateLimit throttles attempts made by this client. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithQuotaDetector(detector QuotaDetector) Option {
	return func(c *Client) {
		if detector != nil {
			c.quota = detector
		}
	}
}

func WithAuthDetector(detector AuthDetector) Option {
	return func(c *Client) {
		if detector != nil {
			c.auth = detector
		}
	}
}

// WithBaseTransport sets the transport every per-proxy transport is cloned from.
func WithBaseTransport(base *http.Transport) Option {
	return func(c *Client) {
		if base != nil {
			c.base = base
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func New(pool AccountPool, registry ProxySource, queue string, opts ...Option) (*Client, error) {
	if err := accounts.ValidateQueue(queue); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.New("queueclient: account pool is required")
	}

	c := &Client{
		pool:        pool,
		registry:    registry,
		queue:       queue,
		clock:       clockwork.NewRealClock(),
		httpTimeout: DefaultHTTPTimeout,
		quota:       DefaultQuotaDetector,
		auth:        DefaultAuthDetector,
		base:        defaultBaseTransport(),
		transports:  map[string]*http.Transport{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Queue() string {
	return c.queue
}

// Open makes a closed client usable again.
func (c *Client) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
	if c.transports == nil {
		c.transports = map[string]*http.Transport{}
	}
	return nil
}

// Close drops every cached transport. Later calls to Do fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, transport := range c.transports {
		transport.CloseIdleConnections()
		delete(c.transports, key)
	}
	c.closed = true
	return nil
}

func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL})
}

func (c *Client) Post(ctx context.Context, rawURL string, body []byte) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Body: body})
}

// Do leases an account, sends the request through the account's proxy and
// settles the lease according to the outcome.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	account, err := c.pool.LeaseForQueueOrWait(ctx, c.queue)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accounts.ErrNoAccountAvailable
	}

	current := c.resolveProxy(ctx, account)
	resp, err := c.attempt(ctx, account, current, req)

	if err != nil && ctx.Err() == nil && current != nil && isProxyFailure(err) {
		log.Warn("Proxy failed, rotating", "username", account.Username, "proxy", current.Redacted(), "error", err)
		replacement, rotateErr := c.rotateProxy(ctx, account, current)
		if rotateErr != nil {
			c.unlock(ctx, account.Username, 0)
			return nil, &ProxyError{ProxyURL: current.URL, Err: errors.Join(err, rotateErr)}
		}

		current = replacement
		resp, err = c.attempt(ctx, account, current, req)
		if err != nil && ctx.Err() == nil && isProxyFailure(err) {
			if markErr := c.registry.MarkFailed(ctx, current.ID); markErr != nil {
				log.Error("Failed to mark proxy as failed", "proxy", current.Redacted(), "error", markErr)
			}
			c.unlock(ctx, account.Username, 0)
			return nil, &ProxyError{ProxyURL: current.URL, Err: err}
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			// The lease is left to expire.
			return nil, ctx.Err()
		}
		c.unlock(ctx, account.Username, 0)
		return nil, fmt.Errorf("queueclient: %s request: %w", c.queue, err)
	}

	if reason, rejected := c.auth(resp); rejected {
		if markErr := c.pool.MarkInactive(ctx, account.Username, reason); markErr != nil {
			log.Error("Failed to deactivate account", "username", account.Username, "error", markErr)
		}
		return nil, &AuthError{Username: account.Username, StatusCode: resp.StatusCode, Reason: reason}
	}

	if resetAt, limited := c.quota(resp); limited {
		if resetAt.IsZero() {
			resetAt = c.clock.Now().Add(c.pool.LeaseTTL())
		}
		log.Info("Account quota exhausted", "username", account.Username, "queue", c.queue, "reset_at", resetAt.UTC().Format(time.RFC3339))
		if err := c.pool.Release(ctx, account.Username, c.queue, resetAt, 1); err != nil {
			return nil, err
		}
		return resp, nil
	}

	if err := c.pool.Unlock(ctx, account.Username, c.queue, 1); err != nil {
		return nil, err
	}
	return resp, nil
}

// resolveProxy prefers the account's own proxy while it is active and falls
// back to any active proxy. A nil result means a direct connection.
func (c *Client) resolveProxy(ctx context.Context, account *domain.Account) *domain.Proxy {
	if c.registry == nil {
		return nil
	}

	if account.ProxyID != nil {
		assigned, err := c.registry.Get(ctx, *account.ProxyID)
		switch {
		case err == nil && assigned.Active:
			return assigned
		case err != nil && !errors.Is(err, proxies.ErrProxyNotFound):
			log.Warn("Failed to load account proxy", "username", account.Username, "error", err)
		}
	}

	fallback, err := c.registry.GetActive(ctx)
	if err != nil {
		if !errors.Is(err, proxies.ErrNoActiveProxy) {
			log.Warn("Failed to pick an active proxy", "error", err)
		}
		return nil
	}
	return fallback
}

func (c *Client) rotateProxy(ctx context.Context, account *domain.Account, failed *domain.Proxy) (*domain.Proxy, error) {
	if err := c.registry.MarkFailed(ctx, failed.ID); err != nil {
		return nil, err
	}

	replacement, err := c.registry.GetActive(ctx)
	if err != nil {
		return nil, err
	}

	id := replacement.ID
	if err := c.pool.SetProxy(ctx, account.Username, &id); err != nil {
		return nil, err
	}
	account.ProxyID = &id
	return replacement, nil
}

func (c *Client) attempt(ctx context.Context, account *domain.Account, via *domain.Proxy, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	proxyURL := ""
	if via != nil {
		proxyURL = via.URL
	}
	transport, err := c.transportFor(proxyURL)
	if err != nil {
		return nil, &proxyDialError{err: err}
	}

	httpReq, err := c.buildRequest(ctx, account, req)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(httpReq.URL, accountCookies(account))

	client := &http.Client{Transport: transport, Jar: jar, Timeout: c.httpTimeout}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if via != nil && httpResp.StatusCode == http.StatusProxyAuthRequired {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		return nil, errProxyAuthRequired
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       body,
	}, nil
}

func (c *Client) buildRequest(ctx context.Context, account *domain.Account, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}

	for key, value := range account.Headers {
		httpReq.Header.Set(key, value)
	}
	for key, values := range req.Header {
		httpReq.Header[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}

	if httpReq.Header.Get("user-agent") == "" {
		userAgent := account.UserAgent
		if userAgent == "" {
			userAgent = domain.DefaultUserAgent
		}
		httpReq.Header.Set("user-agent", userAgent)
	}
	if httpReq.Header.Get("content-type") == "" {
		httpReq.Header.Set("content-type", defaultContentType)
	}
	if token := account.Cookies[c.pool.SessionCookie()]; token != "" {
		httpReq.Header.Set(csrfHeader, token)
	}

	return httpReq, nil
}

func accountCookies(account *domain.Account) []*http.Cookie {
	cookies := make([]*http.Cookie, 0, len(account.Cookies))
	for name, value := range account.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value})
	}
	return cookies
}

func (c *Client) transportFor(proxyURL string) (*http.Transport, error) {
	key := proxyURL
	if key == "" {
		key = directTransportKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if transport, ok := c.transports[key]; ok {
		return transport, nil
	}
	transport, err := newTransport(c.base, proxyURL)
	if err != nil {
		return nil, err
	}
	c.transports[key] = transport
	return transport, nil
}

func (c *Client) unlock(ctx context.Context, username string, delta int64) {
	if err := c.pool.Unlock(ctx, username, c.queue, delta); err != nil {
		log.Error("Failed to unlock account", "username", username, "queue", c.queue, "error", err)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var (
	_ AccountPool = (*accounts.Pool)(nil)
	_ ProxySource = (*proxies.Registry)(nil)
)
