package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus implements Bus over Redis Pub/Sub.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBus connects to Redis using a redis:// URL and verifies the
// connection.
func NewRedisBus(ctx context.Context, url string, logger zerolog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{
		client: client,
		logger: logger.With().Str("component", "redis_bus").Logger(),
	}, nil
}

// Publish sends payload on channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated Redis subscription for the channel and pumps
// payloads into a Go channel until closed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	// Force the subscription handshake so failures surface here, not on
	// first receive.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		msgs: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go pumpMessages(ps.Channel(), sub.msgs, sub.done)
	return sub, nil
}

// pumpMessages copies payloads from the Redis subscription into out. The
// done channel unparks a pump whose consumer stopped draining; without it a
// backlog past the buffer would strand the goroutine on the send forever.
func pumpMessages(in <-chan *redis.Message, out chan<- []byte, done <-chan struct{}) {
	defer close(out)
	for m := range in {
		select {
		case out <- []byte(m.Payload):
		case <-done:
			return
		}
	}
}

// Ping verifies the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close shuts down the client; active subscriptions drain and close.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	msgs chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) Messages() <-chan []byte { return s.msgs }

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}
