// Package publisher delivers crawl records to the broker. It gates sends on
// broker readiness, retries failed hand-offs, parks undeliverable messages
// in a dead-letter store, and drains outstanding deliveries on close.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gitcrawl/internal/crawler"
	"github.com/JakeFAU/gitcrawl/internal/logging"
	"github.com/JakeFAU/gitcrawl/internal/metrics"
	"github.com/JakeFAU/gitcrawl/internal/queue"
	"github.com/JakeFAU/gitcrawl/internal/retry"
)

var (
	// ErrClosed is returned by Publish after Close has begun.
	ErrClosed = errors.New("publisher closed")
	// ErrNotDrained is returned by Close when deliveries are still outstanding after the last drain check.
	ErrNotDrained = errors.New("publisher closed with deliveries outstanding")
)

// Config tunes retries and shutdown draining.
type Config struct {
	Retry retry.Policy
	// ConnectBackoff bounds the wait between broker connection attempts.
	ConnectBackoff retry.Policy
	DrainInterval  time.Duration
	DrainAttempts  int
}

// DefaultConfig polls the in-flight count once a second for up to 100 seconds on close.
func DefaultConfig() Config {
	return Config{
		Retry:          retry.DefaultPolicy(),
		ConnectBackoff: retry.Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Jitter: true},
		DrainInterval:  time.Second,
		DrainAttempts:  100,
	}
}

// Publisher implements crawler.Publisher over a queue.Producer.
type Publisher struct {
	producer    queue.Producer
	deadLetters DeadLetterStore
	cfg         Config
	logger      *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once
	startOnce sync.Once
	closed    atomic.Bool
	inFlight  atomic.Int64
}

var _ crawler.Publisher = (*Publisher)(nil)

// New builds a Publisher. deadLetters may be nil, in which case undeliverable messages are only logged.
func New(producer queue.Producer, deadLetters DeadLetterStore, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = time.Second
	}
	if cfg.DrainAttempts <= 0 {
		cfg.DrainAttempts = 100
	}
	return &Publisher{
		producer:    producer,
		deadLetters: deadLetters,
		cfg:         cfg,
		logger:      logging.OrNop(logger),
		ready:       make(chan struct{}),
	}
}

// Start connects to the broker in the background, retrying until it succeeds
// or ctx ends, and then opens the readiness gate.
func (p *Publisher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.connect(ctx)
	})
}

func (p *Publisher) connect(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := p.producer.Connect(ctx)
		if err == nil {
			p.logger.Info("broker ready", zap.Int("attempts", attempt))
			p.readyOnce.Do(func() { close(p.ready) })
			return
		}
		if ctx.Err() != nil {
			p.logger.Warn("broker connection abandoned", zap.Error(ctx.Err()))
			return
		}
		wait := p.cfg.ConnectBackoff.Backoff(attempt)
		p.logger.Warn("broker not ready; retrying", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Ready reports whether the broker connection is established.
func (p *Publisher) Ready() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

// InFlight reports deliveries handed to the broker and not yet acknowledged.
func (p *Publisher) InFlight() int64 {
	return p.inFlight.Load()
}

// Publish serializes message and hands it to the broker under key. It waits
// for readiness, retries hand-off failures per the retry policy, and writes
// the message to the dead-letter store when every attempt fails.
func (p *Publisher) Publish(ctx context.Context, destination string, message any, key string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case <-p.ready:
	case <-ctx.Done():
		return fmt.Errorf("wait for broker: %w", ctx.Err())
	}
	value, err := json.Marshal(message)
	if err != nil {
		metrics.ObservePublish(destination, "encode_error")
		return fmt.Errorf("encode message for %s: %w", destination, err)
	}
	msg := queue.Message{Topic: destination, Key: []byte(key), Value: value, Time: time.Now().UTC()}

	attempts := 0
	err = retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) error {
		attempts++
		p.acquire()
		if err := p.producer.Produce(ctx, msg, p.onDelivery(msg)); err != nil {
			p.release()
			return err
		}
		return nil
	})
	if err != nil {
		metrics.ObservePublish(destination, "failed")
		p.deadLetter(ctx, msg, attempts, err)
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	metrics.ObservePublish(destination, "accepted")
	return nil
}

func (p *Publisher) onDelivery(msg queue.Message) queue.AckFunc {
	return func(err error) {
		p.release()
		if err != nil {
			metrics.ObservePublish(msg.Topic, "nacked")
			p.logger.Error("broker rejected message",
				zap.String("topic", msg.Topic), zap.ByteString("key", msg.Key), zap.Error(err))
			p.deadLetter(context.Background(), msg, 1, err)
			return
		}
		metrics.ObservePublish(msg.Topic, "delivered")
	}
}

func (p *Publisher) deadLetter(ctx context.Context, msg queue.Message, attempts int, cause error) {
	if p.deadLetters == nil {
		p.logger.Error("message undeliverable; no dead-letter store configured",
			zap.String("topic", msg.Topic), zap.ByteString("key", msg.Key), zap.Error(cause))
		return
	}
	letter := DeadLetter{
		Topic:    msg.Topic,
		Key:      string(msg.Key),
		Value:    json.RawMessage(msg.Value),
		Error:    cause.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	storeCtx := context.WithoutCancel(ctx)
	uri, err := p.deadLetters.Put(storeCtx, letter)
	if err != nil {
		p.logger.Error("dead-letter write failed",
			zap.String("topic", msg.Topic), zap.ByteString("key", msg.Key), zap.Error(err))
		return
	}
	metrics.ObserveDeadLetter(msg.Topic)
	p.logger.Warn("message dead-lettered", zap.String("topic", msg.Topic), zap.String("uri", uri))
}

func (p *Publisher) acquire() {
	metrics.SetPublisherInFlight(p.inFlight.Add(1))
}

func (p *Publisher) release() {
	metrics.SetPublisherInFlight(p.inFlight.Add(-1))
}

// Close rejects further publishes, waits for outstanding deliveries, and
// closes the producer. The producer is closed even when draining gives up.
func (p *Publisher) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	drainErr := p.drain(ctx)
	if err := p.producer.Close(); err != nil {
		return errors.Join(drainErr, fmt.Errorf("close producer: %w", err))
	}
	p.logger.Info("publisher closed", zap.Int64("in_flight", p.inFlight.Load()))
	return drainErr
}

func (p *Publisher) drain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()
	for check := 1; ; check++ {
		remaining := p.inFlight.Load()
		if remaining <= 0 {
			return nil
		}
		if check > p.cfg.DrainAttempts {
			p.logger.Error("still having active publishes; closing anyway", zap.Int64("in_flight", remaining))
			return fmt.Errorf("%w: %d", ErrNotDrained, remaining)
		}
		p.logger.Info("waiting for active publishes", zap.Int64("in_flight", remaining), zap.Int("check", check))
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain publisher: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
