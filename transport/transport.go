// Package transport is the pub/sub boundary of the measurement plane.
//
// Agents and clients only see Transport; natsbus runs it over NATS core and
// membus runs it in process.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Delivery is one inbound message.
type Delivery struct {
	Topic   string
	Body    []byte
	ReplyTo string
}

// Handler processes deliveries of one subscription. Deliveries to a single
// subscription are serialized in publish order.
type Handler func(ctx context.Context, d Delivery)

// Subscription is an active topic subscription.
type Subscription interface {
	Topic() string
	// Stop unsubscribes. It is safe to call more than once and from inside
	// the subscription's own handler.
	Stop() error
}

// Transport publishes and subscribes to named topics.
type Transport interface {
	Publish(ctx context.Context, topic string, body []byte, replyTo string) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
}
