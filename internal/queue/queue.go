// Package queue defines the broker abstraction between the crawler's
// publisher and the storage sink. Backends live in subpackages: memory for
// local runs and tests, kafka and pubsub for deployments.
package queue

import (
	"context"
	"time"
)

// Message is one record on a topic.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	Time  time.Time
	// Handle is the backend's native message, used to commit it.
	Handle any
}

// AckFunc receives the broker's delivery outcome for a produced message.
type AckFunc func(err error)

// Producer hands messages to a broker asynchronously.
type Producer interface {
	// Connect blocks until the broker is reachable or ctx ends.
	Connect(ctx context.Context) error
	// Produce enqueues msg. When it returns nil, ack is called exactly once
	// with the delivery outcome; when it returns an error, ack is never called.
	Produce(ctx context.Context, msg Message, ack AckFunc) error
	// Close flushes buffered messages and releases the connection.
	Close() error
}

// Consumer pulls messages from a set of topics in a consumer group.
type Consumer interface {
	Subscribe(ctx context.Context, topics []string) error
	// Poll returns up to max messages, or fewer if none arrive before the backend's wait elapses.
	Poll(ctx context.Context, max int) ([]Message, error)
	// Commit marks messages as processed.
	Commit(ctx context.Context, msgs ...Message) error
	Close() error
}
