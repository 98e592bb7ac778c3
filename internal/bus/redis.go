package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisBus publishes and subscribes over Redis pub/sub.
// Learning: pub/sub is fire-and-forget; a gateway that is not subscribed
// when a message is published never sees it. That is acceptable because
// every reconnect reloads full state from the repository.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects and verifies the connection with a PING.
func NewRedisBus(ctx context.Context, opts RedisOptions) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	b := &RedisBus{client: client}
	if err := b.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}

	log.Printf("✓ Redis bus connected: %s", opts.Addr)
	return b, nil
}

// NewRedisBusFromClient wraps an existing client.
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends payload to channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w: %w", channel, ErrTransportUnavailable, err)
	}
	return nil
}

// Subscribe opens one subscription for all channels and waits for Redis to
// confirm it, so nothing published after Subscribe returns is missed.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)

	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w: %w", channels, ErrTransportUnavailable, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Message, defaultBacklog),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// Ping checks the connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w: %w", ErrTransportUnavailable, err)
	}
	return nil
}

// Close closes the client and every subscription made through it.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
}

// pump copies go-redis messages into the subscription's channel.
func (s *redisSubscription) pump() {
	defer close(s.out)

	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
