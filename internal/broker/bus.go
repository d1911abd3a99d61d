package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/primal-host/classroom-presence/internal/config"
)

// UpstreamPublisher is the publish half of the durable-bus contract
// named in spec §1 ("only the publish/subscribe contract is used").
type UpstreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// UpstreamSubscriber is the subscribe half. Subscribe opens one
// ephemeral subscription on subject and returns a channel of raw
// message payloads plus a cancel function.
type UpstreamSubscriber interface {
	Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error)
}

// RedisBus implements UpstreamPublisher/UpstreamSubscriber over Redis
// Pub/Sub. Its publish/subscribe-by-pattern semantics match the
// subject/wildcard shape the broker adapter needs, with pool
// configuration and context-scoped calls built as a messaging client
// rather than a cache client.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to Redis using cfg and verifies connectivity.
func NewRedisBus(ctx context.Context, cfg config.BusConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: ping redis: %w", err)
	}
	return &RedisBus{client: client}, nil
}

func (b *RedisBus) Close() error { return b.client.Close() }

func (b *RedisBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := b.client.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	return nil
}

// Subscribe opens a PSubscribe on subject (a wildcard pattern like
// "classroom.<id>.*") and adapts Redis's *redis.Message stream into raw
// payload bytes.
func (b *RedisBus) Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error) {
	pubsub := b.client.PSubscribe(ctx, subject)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("broker: subscribe %s: %w", subject, err)
	}

	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for msg := range ch {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}
