// Package messagebus is the publish/subscribe channel between the API side
// of the engine and the process interpreter.
//
// Subscribe returns only once the subscription is active, so a caller that
// subscribes before publishing a request never misses the reply.
package messagebus

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("messagebus: closed")

// Message is one published notification.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription delivers the messages of one topic until it is closed.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Bus publishes and subscribes to topics.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}
