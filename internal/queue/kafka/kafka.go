// Package kafka implements the broker interfaces on Apache Kafka via segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/gitcrawl/internal/logging"
	"github.com/JakeFAU/gitcrawl/internal/queue"
)

// deliveryHeader correlates a delivery report with the ack waiting for it.
const deliveryHeader = "gitcrawl-delivery-id"

// Config holds connection settings shared by producer and consumer.
type Config struct {
	Brokers      []string
	ClientID     string
	GroupID      string
	BatchTimeout time.Duration
	// MaxWait bounds how long one Poll waits for the first message.
	MaxWait  time.Duration
	MinBytes int
	MaxBytes int
}

func (c Config) withDefaults() Config {
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10e6
	}
	if c.GroupID == "" {
		c.GroupID = "gitcrawl-sink"
	}
	return c
}

// Producer implements queue.Producer with an asynchronous kafka-go Writer.
type Producer struct {
	cfg     Config
	writer  *kafkago.Writer
	logger  *zap.Logger
	pending sync.Map
	seq     atomic.Uint64
}

var _ queue.Producer = (*Producer)(nil)

// NewProducer builds a producer. No connection is made until Connect or the first write.
func NewProducer(cfg Config, logger *zap.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	cfg = cfg.withDefaults()
	p := &Producer{cfg: cfg, logger: logging.OrNop(logger)}
	p.writer = &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafkago.RequireAll,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion:             p.complete,
	}
	return p, nil
}

// Connect dials the brokers until one answers.
func (p *Producer) Connect(ctx context.Context) error {
	var errs []error
	for _, broker := range p.cfg.Brokers {
		conn, err := kafkago.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", broker, err))
			continue
		}
		if err := conn.Close(); err != nil {
			p.logger.Warn("closing kafka dial check connection", zap.String("broker", broker), zap.Error(err))
		}
		return nil
	}
	return fmt.Errorf("kafka unreachable: %w", errors.Join(errs...))
}

// Produce enqueues msg on the writer; ack fires from the writer's completion callback.
func (p *Producer) Produce(ctx context.Context, msg queue.Message, ack queue.AckFunc) error {
	id := strconv.FormatUint(p.seq.Add(1), 10)
	if ack != nil {
		p.pending.Store(id, ack)
	}
	km := kafkago.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Time:    msg.Time,
		Headers: []kafkago.Header{{Key: deliveryHeader, Value: []byte(id)}},
	}
	if km.Time.IsZero() {
		km.Time = time.Now().UTC()
	}
	if err := p.writer.WriteMessages(ctx, km); err != nil {
		p.pending.Delete(id)
		return fmt.Errorf("write to %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *Producer) complete(messages []kafkago.Message, err error) {
	for _, m := range messages {
		id, ok := header(m.Headers, deliveryHeader)
		if !ok {
			continue
		}
		if v, ok := p.pending.LoadAndDelete(id); ok {
			v.(queue.AckFunc)(err)
		}
	}
}

// Close flushes buffered writes and closes the writer.
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

// Consumer implements queue.Consumer with a group reader over several topics.
type Consumer struct {
	cfg    Config
	logger *zap.Logger
	reader *kafkago.Reader
}

var _ queue.Consumer = (*Consumer)(nil)

// NewConsumer builds a consumer; Subscribe creates the reader.
func NewConsumer(cfg Config, logger *zap.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	return &Consumer{cfg: cfg.withDefaults(), logger: logging.OrNop(logger)}, nil
}

// Subscribe joins the consumer group for topics.
func (c *Consumer) Subscribe(_ context.Context, topics []string) error {
	if len(topics) == 0 {
		return errors.New("subscribe requires at least one topic")
	}
	if c.reader != nil {
		return errors.New("kafka consumer already subscribed")
	}
	c.reader = kafkago.NewReader(c.readerConfig(topics))
	c.logger.Info("kafka consumer subscribed",
		zap.Strings("topics", topics), zap.String("group", c.cfg.GroupID))
	return nil
}

func (c *Consumer) readerConfig(topics []string) kafkago.ReaderConfig {
	return kafkago.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		GroupID:     c.cfg.GroupID,
		GroupTopics: topics,
		MinBytes:    c.cfg.MinBytes,
		MaxBytes:    c.cfg.MaxBytes,
		MaxWait:     c.cfg.MaxWait,
		StartOffset: kafkago.FirstOffset,
	}
}

// Poll fetches up to max messages, returning early when none arrive within MaxWait.
func (c *Consumer) Poll(ctx context.Context, max int) ([]queue.Message, error) {
	if c.reader == nil {
		return nil, errors.New("poll before subscribe")
	}
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxWait)
	defer cancel()
	out := make([]queue.Message, 0, max)
	for len(out) < max {
		m, err := c.reader.FetchMessage(pollCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			return out, fmt.Errorf("fetch kafka message: %w", err)
		}
		out = append(out, fromKafka(m))
	}
	return out, nil
}

// Commit commits the offsets of msgs.
func (c *Consumer) Commit(ctx context.Context, msgs ...queue.Message) error {
	if c.reader == nil || len(msgs) == 0 {
		return nil
	}
	native := make([]kafkago.Message, 0, len(msgs))
	for _, m := range msgs {
		km, ok := m.Handle.(kafkago.Message)
		if !ok {
			return fmt.Errorf("message on %s was not read from kafka", m.Topic)
		}
		native = append(native, km)
	}
	if err := c.reader.CommitMessages(ctx, native...); err != nil {
		return fmt.Errorf("commit kafka offsets: %w", err)
	}
	return nil
}

// Close leaves the group.
func (c *Consumer) Close() error {
	if c.reader == nil {
		return nil
	}
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader: %w", err)
	}
	return nil
}

func fromKafka(m kafkago.Message) queue.Message {
	return queue.Message{
		Topic:  m.Topic,
		Key:    m.Key,
		Value:  m.Value,
		Time:   m.Time,
		Handle: m,
	}
}

func header(headers []kafkago.Header, key string) (string, bool) {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}
