package bus

import (
	"context"
	"fmt"
	"sync"
)

// subBuffer bounds each in-memory subscription; publishes to a full
// subscriber drop that subscriber's oldest message, matching the lossy
// semantics of Redis Pub/Sub under pressure.
const subBuffer = 256

// MemoryBus is an in-process Bus used by tests and by development mode when
// no Redis URL is configured.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySubscription)}
}

// Publish fans payload out to current subscribers of channel.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	for _, sub := range b.subs[channel] {
		sub.deliver(payload)
	}
	return nil
}

// Subscribe registers a new bounded subscription on channel.
func (b *MemoryBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		msgs:    make(chan []byte, subBuffer),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// Ping always succeeds while the bus is open.
func (b *MemoryBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close drops and closes every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closeOnce()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	return nil
}

func (b *MemoryBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.channel]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[target.channel]) == 0 {
		delete(b.subs, target.channel)
	}
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	msgs    chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	msg := append([]byte(nil), payload...)
	for {
		select {
		case s.msgs <- msg:
			return
		default:
			// Full: shed the oldest message and retry.
			select {
			case <-s.msgs:
			default:
			}
		}
	}
}

func (s *memorySubscription) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.msgs)
	}
}

func (s *memorySubscription) Messages() <-chan []byte { return s.msgs }

func (s *memorySubscription) Close() error {
	s.bus.remove(s)
	s.closeOnce()
	return nil
}
