package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	DefaultRetryDelay    = time.Second
	redisCallTimeout     = 5 * time.Second
)

var (
	ErrLeadershipLost = errors.New("support: leadership lost")

	electorSeq atomic.Uint64

	// Both scripts only touch the key while it still carries our token.
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	resignScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Elector contends for a single Redis key. At most one Elector across all
// processes sharing the key runs its callback at a time.
type Elector struct {
	client     redis.UniversalClient
	key        string
	token      string
	ttl        time.Duration
	retryDelay time.Duration
	clock      clockwork.Clock
	leading    atomic.Bool
}

type ElectorOption func(*Elector)

func WithLeaseDuration(ttl time.Duration) ElectorOption {
	return func(e *Elector) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

func WithRetryDelay(delay time.Duration) ElectorOption {
	return func(e *Elector) {
		if delay > 0 {
			e.retryDelay = delay
		}
	}
}

func NewElector(client redis.UniversalClient, key string, opts ...ElectorOption) (*Elector, error) {
	if client == nil {
		return nil, errors.New("support: leader election requires a redis client")
	}
	if key == "" {
		return nil, errors.New("support: leader key cannot be empty")
	}

	e := &Elector{
		client:     client,
		key:        key,
		token:      newElectorToken(),
		ttl:        DefaultLeadershipTTL,
		retryDelay: DefaultRetryDelay,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Leading reports whether this elector currently holds the key.
func (e *Elector) Leading() bool {
	return e.leading.Load()
}

// Run alternates between contending for the key and running fn while it is
// held. fn gets a context that ends when leadership is lost or ctx is done;
// when fn returns the key is given up and contended again.
func (e *Elector) Run(ctx context.Context, fn func(context.Context)) error {
	if fn == nil {
		return errors.New("support: leader callback cannot be nil")
	}

	for {
		if err := e.acquire(ctx); err != nil {
			return err
		}

		log.Debug("Leadership acquired", "key", e.key)
		e.lead(ctx, fn)
		log.Debug("Leadership released", "key", e.key)

		if err := e.sleep(ctx); err != nil {
			return err
		}
	}
}

func (e *Elector) acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := e.client.SetNX(ctx, e.key, e.token, e.ttl).Result()
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("Leader election attempt failed", "key", e.key, "error", err)
		case ok:
			return nil
		}

		if err := e.sleep(ctx); err != nil {
			return err
		}
	}
}

func (e *Elector) lead(ctx context.Context, fn func(context.Context)) {
	leaderCtx, cancel := context.WithCancel(ctx)
	e.leading.Store(true)

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		if err := e.keepAlive(leaderCtx); err != nil {
			log.Warn("Leadership renewal failed", "key", e.key, "error", err)
			cancel()
		}
	}()

	fn(leaderCtx)

	cancel()
	<-renewDone
	e.leading.Store(false)

	if err := e.resign(); err != nil {
		log.Warn("Failed to release leadership", "key", e.key, "error", err)
	}
}

// keepAlive extends the key every third of its TTL until ctx ends.
func (e *Elector) keepAlive(ctx context.Context) error {
	interval := e.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}

	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := e.extend(); err != nil {
				return err
			}
		}
	}
}

func (e *Elector) extend() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()

	n, err := extendScript.Run(ctx, e.client, []string{e.key}, e.token, e.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeadershipLost
	}
	return nil
}

func (e *Elector) resign() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()

	err := resignScript.Run(ctx, e.client, []string{e.key}, e.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (e *Elector) sleep(ctx context.Context) error {
	timer := e.clock.NewTimer(e.retryDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// RunWithLeader is a one-shot helper around NewElector and Run.
func RunWithLeader(ctx context.Context, client redis.UniversalClient, key string, ttl time.Duration, fn func(context.Context)) error {
	elector, err := NewElector(client, key, WithLeaseDuration(ttl))
	if err != nil {
		return err
	}
	return elector.Run(ctx, fn)
}

func newElectorToken() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), electorSeq.Add(1))
}
