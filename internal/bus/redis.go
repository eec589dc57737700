package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisChannelPrefix = "ws:room:events:"
	drainTimeout       = time.Second
)

// RedisBus uses Redis pub/sub, one channel per room.
type RedisBus struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

func NewRedisBus(client redis.UniversalClient, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger.With().Str("component", "bus").Str("backend", "redis").Logger(),
	}
}

func redisChannel(room string) string {
	return redisChannelPrefix + room
}

func (b *RedisBus) Publish(ctx context.Context, room string, data []byte) error {
	if err := b.client.Publish(ctx, redisChannel(room), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", room, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, room string, handler Handler) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, redisChannel(room))

	// Wait for confirmation that subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", room, err)
	}

	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	b.logger.Debug().Str("room", room).Msg("Subscribed")
	return sub, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBus) Close() error {
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	err    error
	done   chan struct{}
}

// Unsubscribe closes the subscription and waits for in-flight deliveries.
func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		select {
		case <-s.done:
		case <-time.After(drainTimeout):
		}
	})
	return s.err
}
