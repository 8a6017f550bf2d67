// Package pubsub implements the broker interfaces on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/gitcrawl/internal/logging"
	"github.com/JakeFAU/gitcrawl/internal/queue"
)

// keyAttribute carries the message key, which Pub/Sub has no native field for.
const keyAttribute = "key"

// EnsureTopic creates topicID when it does not exist.
func EnsureTopic(ctx context.Context, client *pubsub.Client, topicID string) (*pubsub.Topic, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if exists {
		return topic, nil
	}
	topic, err = client.CreateTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub topic %q: %w", topicID, err)
	}
	return topic, nil
}

// Producer implements queue.Producer on Pub/Sub topics.
// The caller owns the client and closes it after Close.
type Producer struct {
	client *pubsub.Client
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	wg     sync.WaitGroup
}

var _ queue.Producer = (*Producer)(nil)

// NewProducer wraps client.
func NewProducer(client *pubsub.Client, logger *zap.Logger) *Producer {
	return &Producer{
		client: client,
		logger: logging.OrNop(logger),
		topics: make(map[string]*pubsub.Topic),
	}
}

// Connect verifies the project is reachable by listing one topic.
func (p *Producer) Connect(ctx context.Context) error {
	if p.client == nil {
		return errors.New("pubsub client is not configured")
	}
	it := p.client.Topics(ctx)
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("reach pubsub: %w", err)
	}
	return nil
}

// Produce publishes msg; ack receives the server result from a background goroutine.
func (p *Producer) Produce(ctx context.Context, msg queue.Message, ack queue.AckFunc) error {
	if p.client == nil {
		return errors.New("pubsub client is not configured")
	}
	topic := p.topic(msg.Topic)
	result := topic.Publish(ctx, &pubsub.Message{
		Data:       msg.Value,
		Attributes: map[string]string{keyAttribute: string(msg.Key)},
	})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, err := result.Get(context.Background())
		if ack != nil {
			ack(err)
		}
	}()
	return nil
}

func (p *Producer) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[id]; ok {
		return t
	}
	t := p.client.Topic(id)
	p.topics[id] = t
	return t
}

// Close flushes every topic and waits for outstanding results.
func (p *Producer) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

// Consumer implements queue.Consumer with one subscription per topic.
type Consumer struct {
	client *pubsub.Client
	suffix string
	logger *zap.Logger

	messages chan queue.Message
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ queue.Consumer = (*Consumer)(nil)

// NewConsumer wraps client. Subscriptions are named topic+suffix.
func NewConsumer(client *pubsub.Client, suffix string, buffer int, logger *zap.Logger) *Consumer {
	if suffix == "" {
		suffix = "-sink"
	}
	if buffer <= 0 {
		buffer = 100
	}
	return &Consumer{
		client:   client,
		suffix:   suffix,
		logger:   logging.OrNop(logger),
		messages: make(chan queue.Message, buffer),
	}
}

// Subscribe ensures a subscription for each topic and starts receiving in the background.
func (c *Consumer) Subscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return errors.New("subscribe requires at least one topic")
	}
	if c.cancel != nil {
		return errors.New("pubsub consumer already subscribed")
	}
	subs := make(map[string]*pubsub.Subscription, len(topics))
	for _, topicID := range topics {
		sub, err := c.ensureSubscription(ctx, topicID)
		if err != nil {
			return err
		}
		subs[topicID] = sub
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for topicID, sub := range subs {
		c.wg.Add(1)
		go c.receive(recvCtx, topicID, sub)
	}
	return nil
}

func (c *Consumer) ensureSubscription(ctx context.Context, topicID string) (*pubsub.Subscription, error) {
	subID := topicID + c.suffix
	sub := c.client.Subscription(subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub subscription %q: %w", subID, err)
	}
	if exists {
		return sub, nil
	}
	topic, err := EnsureTopic(ctx, c.client, topicID)
	if err != nil {
		return nil, err
	}
	sub, err = c.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		return nil, fmt.Errorf("create pubsub subscription %q: %w", subID, err)
	}
	return sub, nil
}

func (c *Consumer) receive(ctx context.Context, topicID string, sub *pubsub.Subscription) {
	defer c.wg.Done()
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		msg := queue.Message{
			Topic:  topicID,
			Key:    []byte(m.Attributes[keyAttribute]),
			Value:  m.Data,
			Time:   m.PublishTime,
			Handle: m,
		}
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			m.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Error("pubsub receive stopped", zap.String("topic", topicID), zap.Error(err))
	}
}

// Poll drains up to max buffered messages without waiting.
func (c *Consumer) Poll(ctx context.Context, max int) ([]queue.Message, error) {
	if c.cancel == nil {
		return nil, errors.New("poll before subscribe")
	}
	out := make([]queue.Message, 0, max)
	for len(out) < max {
		select {
		case <-ctx.Done():
			return out, fmt.Errorf("poll canceled: %w", ctx.Err())
		case m := <-c.messages:
			out = append(out, m)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Commit acknowledges msgs.
func (c *Consumer) Commit(_ context.Context, msgs ...queue.Message) error {
	for _, m := range msgs {
		native, ok := m.Handle.(*pubsub.Message)
		if !ok {
			return fmt.Errorf("message on %s was not received from pubsub", m.Topic)
		}
		native.Ack()
	}
	return nil
}

// Close stops receiving and nacks anything still buffered so it is redelivered.
func (c *Consumer) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	for {
		select {
		case m := <-c.messages:
			if native, ok := m.Handle.(*pubsub.Message); ok {
				native.Nack()
			}
		default:
			return nil
		}
	}
}
