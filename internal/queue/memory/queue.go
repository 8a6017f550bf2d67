// Package memory provides an in-process broker for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/gitcrawl/internal/queue"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memory broker closed")

// Broker is an unbounded FIFO per topic shared by one producer and one consumer group.
type Broker struct {
	mu       sync.Mutex
	topics   map[string][]queue.Message
	order    []string
	produced int
	closed   bool
	notify   chan struct{}
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string][]queue.Message),
		notify: make(chan struct{}, 1),
	}
}

// Producer returns a queue.Producer writing into b.
func (b *Broker) Producer() *Producer {
	return &Producer{broker: b}
}

// Consumer returns a queue.Consumer reading from b.
func (b *Broker) Consumer(wait time.Duration) *Consumer {
	return &Consumer{broker: b, wait: wait}
}

// Produced reports how many messages were ever accepted.
func (b *Broker) Produced() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.produced
}

// Pending reports how many messages on topic have not been polled.
func (b *Broker) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func (b *Broker) append(msg queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.topics[msg.Topic]; !ok {
		b.order = append(b.order, msg.Topic)
	}
	b.topics[msg.Topic] = append(b.topics[msg.Topic], msg)
	b.produced++
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// take removes up to max messages from the subscribed topics, oldest topic first.
func (b *Broker) take(topics map[string]struct{}, max int) []queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []queue.Message
	for _, topic := range b.order {
		if len(out) >= max {
			break
		}
		if _, ok := topics[topic]; !ok {
			continue
		}
		pending := b.topics[topic]
		n := min(max-len(out), len(pending))
		out = append(out, pending[:n]...)
		b.topics[topic] = pending[n:]
	}
	return out
}

func (b *Broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Producer implements queue.Producer over a Broker.
type Producer struct {
	broker *Broker
}

var _ queue.Producer = (*Producer)(nil)

// Connect is immediate for the in-process broker.
func (p *Producer) Connect(ctx context.Context) error {
	return ctx.Err()
}

// Produce appends msg and acknowledges it synchronously.
func (p *Producer) Produce(_ context.Context, msg queue.Message, ack queue.AckFunc) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	if err := p.broker.append(msg); err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}
	if ack != nil {
		ack(nil)
	}
	return nil
}

// Close stops accepting messages.
func (p *Producer) Close() error {
	p.broker.close()
	return nil
}

// Consumer implements queue.Consumer over a Broker.
type Consumer struct {
	broker *Broker
	wait   time.Duration

	mu        sync.Mutex
	topics    map[string]struct{}
	committed int
}

var _ queue.Consumer = (*Consumer)(nil)

// Subscribe sets the topics Poll reads from.
func (c *Consumer) Subscribe(_ context.Context, topics []string) error {
	if len(topics) == 0 {
		return errors.New("subscribe requires at least one topic")
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	c.mu.Lock()
	c.topics = set
	c.mu.Unlock()
	return nil
}

// Poll returns pending messages, waiting up to the consumer's wait for the first one.
func (c *Consumer) Poll(ctx context.Context, max int) ([]queue.Message, error) {
	c.mu.Lock()
	topics := c.topics
	c.mu.Unlock()
	if topics == nil {
		return nil, errors.New("poll before subscribe")
	}
	if max <= 0 {
		return nil, nil
	}
	if msgs := c.broker.take(topics, max); len(msgs) > 0 || c.wait <= 0 {
		return msgs, nil
	}
	timer := time.NewTimer(c.wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("poll canceled: %w", ctx.Err())
	case <-timer.C:
	case <-c.broker.notify:
	}
	return c.broker.take(topics, max), nil
}

// Commit counts committed messages; the broker already removed them on poll.
func (c *Consumer) Commit(_ context.Context, msgs ...queue.Message) error {
	c.mu.Lock()
	c.committed += len(msgs)
	c.mu.Unlock()
	return nil
}

// Committed reports how many messages were committed.
func (c *Consumer) Committed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// Close is a no-op.
func (c *Consumer) Close() error {
	return nil
}
