package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// MemoryBus is an in-process bus for single-instance deployments and tests.
// Same delivery contract as Redis: at most once, only to current subscribers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish delivers payload to every subscriber of channel. A subscriber whose
// buffer is full misses the message, like a slow Redis client would.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w: %w", channel, ErrTransportUnavailable, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("failed to publish to %s: %w: bus closed", channel, ErrTransportUnavailable)
	}

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for sub := range b.subs[channel] {
		sub.deliver(msg)
	}
	return nil
}

// Subscribe registers a subscription for channels.
func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("failed to subscribe: %w: bus closed", ErrTransportUnavailable)
	}

	sub := &memorySubscription{
		bus:      b,
		channels: channels,
		out:      make(chan Message, defaultBacklog),
	}
	for _, ch := range channels {
		if b.subs[ch] == nil {
			b.subs[ch] = make(map[*memorySubscription]struct{})
		}
		b.subs[ch][sub] = struct{}{}
	}
	return sub, nil
}

// Ping reports whether the bus is open.
func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("%w: bus closed", ErrTransportUnavailable)
	}
	return nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	seen := make(map[*memorySubscription]struct{})
	for _, subs := range b.subs {
		for sub := range subs {
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				sub.closeLocked()
			}
		}
	}
	b.subs = make(map[string]map[*memorySubscription]struct{})
	return nil
}

// Subscribers returns the number of subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

type memorySubscription struct {
	bus      *MemoryBus
	channels []string
	out      chan Message

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
		log.Printf("⚠️  Memory bus subscriber full, dropping message on %s", msg.Channel)
	}
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for _, ch := range s.channels {
		if subs, ok := s.bus.subs[ch]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.subs, ch)
			}
		}
	}
	s.closeLocked()
	return nil
}

// closeLocked closes the output once; the bus lock must be held.
func (s *memorySubscription) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}
