package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Notifier wakes waiters when an account is released for a queue. Delivery is
// best effort; waiters keep polling the database either way.
type Notifier interface {
	Publish(ctx context.Context, queue string) error
	Subscribe(ctx context.Context, queue string) (<-chan struct{}, func())
}

const (
	releaseChannelPrefix   = "quotapool:released:"
	notifyPublishTimeout   = 2 * time.Second
	notifySubscribeTimeout = 2 * time.Second
)

type RedisNotifier struct {
	client redis.UniversalClient
}

func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func ReleaseChannel(queue string) string {
	return releaseChannelPrefix + queue
}

func (n *RedisNotifier) Publish(ctx context.Context, queue string) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyPublishTimeout)
	defer cancel()
	return n.client.Publish(opCtx, ReleaseChannel(queue), "1").Err()
}

// Subscribe returns a channel that receives a value after each release. A
// subscription that cannot be established yields a nil channel, which never
// fires, so callers fall back to polling.
func (n *RedisNotifier) Subscribe(ctx context.Context, queue string) (<-chan struct{}, func()) {
	pubsub := n.client.Subscribe(ctx, ReleaseChannel(queue))

	confirmCtx, cancel := context.WithTimeout(ctx, notifySubscribeTimeout)
	_, err := pubsub.Receive(confirmCtx)
	cancel()
	if err != nil {
		_ = pubsub.Close()
		log.Debug("Release subscription unavailable", "queue", queue, "error", err)
		return nil, func() {}
	}

	wake := make(chan struct{}, 1)
	subCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, err := pubsub.ReceiveMessage(subCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || subCtx.Err() != nil {
					return
				}
				log.Debug("Release subscription error", "queue", queue, "error", err)
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	return wake, func() {
		stop()
		_ = pubsub.Close()
		<-done
	}
}
