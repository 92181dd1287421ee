package messagebus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ Bus = &RedisBus{}

// RedisBus is a Bus on Redis pub/sub. It connects engine processes that
// share a Redis server. Channel names are the topic prefixed with prefix.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisBus returns a bus on client. The client is owned by the caller.
func NewRedisBus(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger.Named("messagebus")}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, b.prefix+topic, payload).Err()
}

// Subscribe waits for the server to confirm the subscription before it
// returns.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		b.logger.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
		return nil, err
	}
	b.logger.Debug("subscribed", zap.String("topic", topic))

	sub := &redisSubscription{
		ps:   ps,
		ch:   make(chan Message, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.forward(ps.Channel(), len(b.prefix))
	return sub, nil
}

// Close is a no-op; the client belongs to the caller.
func (b *RedisBus) Close() error { return nil }

type redisSubscription struct {
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward(in <-chan *redis.Message, prefixLen int) {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg := Message{Topic: m.Channel[prefixLen:], Payload: []byte(m.Payload)}
			select {
			case s.ch <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
