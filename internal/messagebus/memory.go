package messagebus

import (
	"context"
	"sync"
)

const subscriptionBuffer = 16

var _ Bus = &MemoryBus{}

// MemoryBus is an in-process Bus. It only connects publishers and
// subscribers of the same process.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	ch    chan Message
	done  chan struct{}
	once  sync.Once

	// mu guards sends on ch against closing it.
	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) Messages() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		ch:    make(chan Message, subscriptionBuffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*memorySubscription]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Publish delivers payload to every current subscriber of topic. It blocks
// while a subscriber's buffer is full, until that subscriber reads, closes
// or ctx is done. Closed subscriptions are skipped.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySubscription, 0, len(b.subs[topic]))
	for sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, sub := range targets {
		if err := sub.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *memorySubscription) deliver(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sub.topic]
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Close closes every open subscription. Their Messages channels are closed
// too, so readers see the end of the stream.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	var all []*memorySubscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}
