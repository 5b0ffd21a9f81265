package accounts

import (
	"time"

	"github.com/jonboulle/clockwork"
)

type Order string

const (
	OrderUsername Order = "username"
	OrderRandom   Order = "random"
)

const (
	DefaultLeaseTTL      = 15 * time.Minute
	DefaultPollInterval  = 5 * time.Second
	DefaultSessionCookie = "ct0"
)

type Option func(*Pool)

func WithClock(clock clockwork.Clock) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func WithLeaseTTL(ttl time.Duration) Option {
	return func(p *Pool) {
		if ttl > 0 {
			p.leaseTTL = ttl
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

// WithRaiseWhenNoAccount makes LeaseForQueueOrWait fail with
// ErrNoAccountAvailable instead of waiting.
func WithRaiseWhenNoAccount(enabled bool) Option {
	return func(p *Pool) {
		p.raiseWhenNoAccount = enabled
	}
}

func WithOrder(order Order) Option {
	return func(p *Pool) {
		switch order {
		case OrderUsername, OrderRandom:
			p.order = order
		}
	}
}

func WithAuthenticator(auth Authenticator) Option {
	return func(p *Pool) {
		if auth != nil {
			p.auth = auth
		}
	}
}

func WithNotifier(notifier Notifier) Option {
	return func(p *Pool) {
		p.notifier = notifier
	}
}

func WithSessionCookie(name string) Option {
	return func(p *Pool) {
		if name != "" {
			p.sessionCookie = name
		}
	}
}

func WithLoginConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.loginConcurrency = n
		}
	}
}
