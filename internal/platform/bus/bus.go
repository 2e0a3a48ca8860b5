// Package bus moves opaque payloads between processes. Implementations
// give at-most-once delivery to every subscriber that is connected when a
// message is published; messages published while a subscriber is
// disconnected are not replayed.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus or subscription.
var ErrClosed = errors.New("bus closed")

// Publisher sends payloads to the shared channel.
type Publisher interface {
	// Publish sends data. key groups related messages; implementations that
	// partition use it to keep per-key ordering.
	Publish(ctx context.Context, key string, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Subscriber opens subscriptions to the shared channel.
type Subscriber interface {
	// Subscribe blocks until the subscription is confirmed by the server.
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// Subscription is a single live subscription. Receive returns an error
// once the underlying connection is lost; the subscription is then dead
// and a new one must be opened.
type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
