// Package sink consumes crawl records from the broker, buffers them per
// destination and writes each full buffer to the store in one bulk upsert.
package sink

import (
	"context"
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
	"github.com/JakeFAU/gitcrawl/internal/storage"
)

var (
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("sink already running")
	// ErrBackpressure reports that a full buffer could not be written, so
	// consumption is paused until the store accepts it.
	ErrBackpressure = errors.New("store unavailable; consumption paused")
)

// Config tunes batching and polling.
type Config struct {
	// BatchSize is the buffer length that triggers a flush.
	BatchSize int
	// PullSize bounds the messages taken per poll.
	PullSize     int
	PollInterval time.Duration
	// DrainRounds bounds the polls Close makes to empty the subscription.
	DrainRounds int
}

// DefaultConfig flushes at 100 and pulls 10 messages a second.
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		PullSize:     10,
		PollInterval: time.Second,
		DrainRounds:  50,
	}
}

type pending struct {
	doc storage.Document
	msg queue.Message
}

// Sink moves messages from a queue.Consumer into a storage.Store.
type Sink struct {
	consumer queue.Consumer
	store    storage.Store
	routes   map[string]crawler.Destination
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	buffers map[string][]pending
	// skipped holds undecodable messages per topic; they are committed with
	// the topic's next successful flush so earlier buffered offsets stay uncommitted.
	skipped map[string][]queue.Message
	// backlog holds polled messages refused while a buffer was full.
	backlog []queue.Message
	running atomic.Bool
	closed  atomic.Bool
}

// New builds a Sink for destinations.
func New(consumer queue.Consumer, store storage.Store, destinations []crawler.Destination, cfg Config, logger *zap.Logger) (*Sink, error) {
	if consumer == nil || store == nil {
		return nil, fmt.Errorf("sink requires a consumer and a store")
	}
	if len(destinations) == 0 {
		return nil, fmt.Errorf("sink requires at least one destination")
	}
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.PullSize <= 0 {
		cfg.PullSize = defaults.PullSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.DrainRounds <= 0 {
		cfg.DrainRounds = defaults.DrainRounds
	}
	routes := make(map[string]crawler.Destination, len(destinations))
	for _, d := range destinations {
		if err := storage.ValidateCollection(d.Collection); err != nil {
			return nil, fmt.Errorf("destination %s: %w", d.Topic, err)
		}
		routes[d.Topic] = d
	}
	return &Sink{
		consumer: consumer,
		store:    store,
		routes:   routes,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		buffers:  make(map[string][]pending),
		skipped:  make(map[string][]queue.Message),
	}, nil
}

// Topics lists the subscribed topics.
func (s *Sink) Topics() []string {
	out := make([]string, 0, len(s.routes))
	for topic := range s.routes {
		out = append(out, topic)
	}
	return out
}

// Run subscribes and polls every PollInterval until ctx ends. Cancellation is
// the normal way to stop it and yields a nil error; call Close afterwards to
// flush what is still buffered.
func (s *Sink) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := s.consumer.Subscribe(ctx, s.Topics()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for _, d := range s.routes {
		if err := s.store.EnsureCollection(ctx, d.Collection); err != nil {
			return fmt.Errorf("prepare collection %s: %w", d.Collection, err)
		}
	}
	s.logger.Info("sink started", zap.Int("topics", len(s.routes)), zap.Int("batch_size", s.cfg.BatchSize))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sink loop stopped", zap.Error(ctx.Err()))
			return nil
		case <-ticker.C:
		}
		if _, err := s.pollOnce(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, ErrBackpressure):
				s.logger.Warn("store unavailable; pausing consumption", zap.Int("backlog", s.backlogLen()), zap.Error(err))
			default:
				s.logger.Warn("poll failed", zap.Error(err))
			}
		}
	}
}

// pollOnce retries full buffers, then the backlog, and only then pulls new
// messages. It reports how many messages it took from the consumer.
func (s *Sink) pollOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if err := s.flushFullLocked(ctx); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if err := s.acceptLocked(ctx, s.takeBacklogLocked()); err != nil || len(s.backlog) > 0 {
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()

	msgs, err := s.consumer.Poll(ctx, s.cfg.PullSize)
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(msgs), s.acceptLocked(ctx, msgs)
}

// handle accepts a single message, queueing it behind any backlog.
func (s *Sink) handle(ctx context.Context, msg queue.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.backlog) > 0 {
		s.backlog = append(s.backlog, msg)
		return ErrBackpressure
	}
	return s.acceptLocked(ctx, []queue.Message{msg})
}

// acceptLocked buffers msgs in order. It stops at the first flush failure or
// full buffer and moves the remaining messages to the backlog.
func (s *Sink) acceptLocked(ctx context.Context, msgs []queue.Message) error {
	for i, msg := range msgs {
		accepted, err := s.bufferLocked(ctx, msg)
		if err == nil {
			continue
		}
		rest := msgs[i:]
		if accepted {
			rest = msgs[i+1:]
		}
		s.backlog = append(s.backlog, rest...)
		return err
	}
	return nil
}

func (s *Sink) takeBacklogLocked() []queue.Message {
	msgs := s.backlog
	s.backlog = nil
	return msgs
}

// bufferLocked reports whether msg was taken. A full buffer refuses it.
func (s *Sink) bufferLocked(ctx context.Context, msg queue.Message) (bool, error) {
	dest, ok := s.routes[msg.Topic]
	if !ok {
		s.logger.Warn("message on unknown topic; skipping", zap.String("topic", msg.Topic))
		s.commit(ctx, msg)
		return true, nil
	}
	if len(s.buffers[msg.Topic]) >= s.cfg.BatchSize {
		return false, ErrBackpressure
	}
	doc, err := decodeDocument(dest, msg)
	if err != nil {
		s.logger.Error("undecodable message; skipping",
			zap.String("topic", msg.Topic), zap.ByteString("key", msg.Key), zap.Error(err))
		s.skipped[msg.Topic] = append(s.skipped[msg.Topic], msg)
		return true, nil
	}

	s.buffers[msg.Topic] = append(s.buffers[msg.Topic], pending{doc: doc, msg: msg})
	metrics.SetBuffered(msg.Topic, len(s.buffers[msg.Topic]))
	if len(s.buffers[msg.Topic]) < s.cfg.BatchSize {
		return true, nil
	}
	if err := s.flushLocked(ctx, dest); err != nil {
		return true, fmt.Errorf("%w: %w", ErrBackpressure, err)
	}
	return true, nil
}

// flushFullLocked retries buffers left full by a failed flush.
func (s *Sink) flushFullLocked(ctx context.Context) error {
	for topic, buffered := range s.buffers {
		if len(buffered) < s.cfg.BatchSize {
			continue
		}
		if err := s.flushLocked(ctx, s.routes[topic]); err != nil {
			return fmt.Errorf("%w: %w", ErrBackpressure, err)
		}
	}
	return nil
}

func (s *Sink) backlogLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// flushLocked upserts the buffer for dest. The buffer is cleared and its
// messages committed, along with skipped ones, only when the store accepted the batch.
func (s *Sink) flushLocked(ctx context.Context, dest crawler.Destination) error {
	buffered := s.buffers[dest.Topic]
	if len(buffered) == 0 {
		if skipped := s.skipped[dest.Topic]; len(skipped) > 0 {
			delete(s.skipped, dest.Topic)
			s.commit(ctx, skipped...)
		}
		return nil
	}
	docs := make([]storage.Document, len(buffered))
	msgs := make([]queue.Message, len(buffered), len(buffered)+len(s.skipped[dest.Topic]))
	for i, p := range buffered {
		docs[i] = p.doc
		msgs[i] = p.msg
	}

	result, err := s.store.BulkUpsertByID(ctx, dest.Collection, docs)
	metrics.ObserveFlush(dest.Collection, metrics.FlushCounts{
		Inserted: result.Inserted,
		Updated:  result.Updated,
		Matched:  result.Matched,
		Failed:   result.Failed,
	}, err)
	if err != nil {
		s.logger.Error("bulk upsert failed; keeping buffer",
			zap.String("collection", dest.Collection), zap.Int("documents", len(docs)), zap.Error(err))
		return fmt.Errorf("flush %s: %w", dest.Collection, err)
	}

	fields := []zap.Field{
		zap.String("collection", dest.Collection),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("matched", result.Matched),
		zap.Int("failed", result.Failed),
	}
	if result.Failed > 0 {
		s.logger.Warn("bulk upsert partially failed", append(fields, zap.Errors("errors", result.Errors))...)
	} else {
		s.logger.Info("bulk upsert", fields...)
	}

	msgs = append(msgs, s.skipped[dest.Topic]...)
	delete(s.skipped, dest.Topic)
	s.buffers[dest.Topic] = nil
	metrics.SetBuffered(dest.Topic, 0)
	s.commit(ctx, msgs...)
	return nil
}

func (s *Sink) commit(ctx context.Context, msgs ...queue.Message) {
	if err := s.consumer.Commit(ctx, msgs...); err != nil {
		s.logger.Warn("commit failed; messages may be redelivered", zap.Int("messages", len(msgs)), zap.Error(err))
	}
}

// Buffered reports how many documents wait in topic's buffer.
func (s *Sink) Buffered(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[topic])
}

// Flush writes every non-empty buffer regardless of size.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, dest := range s.routes {
		if err := s.flushLocked(ctx, dest); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flushAll flushes every buffer and feeds the backlog through until both are empty.
func (s *Sink) flushAll(ctx context.Context) error {
	for {
		if err := s.Flush(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		backlog := s.takeBacklogLocked()
		var err error
		if len(backlog) > 0 {
			err = s.acceptLocked(ctx, backlog)
		}
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if len(backlog) == 0 {
			return nil
		}
	}
}

// Close drains what the subscription still holds, flushes every buffer and
// releases the consumer and store. Call it after Run has returned.
func (s *Sink) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if s.running.Load() {
		for round := 0; round < s.cfg.DrainRounds; round++ {
			n, err := s.pollOnce(ctx)
			if err != nil {
				errs = append(errs, err)
				break
			}
			if n == 0 {
				break
			}
		}
	}
	if err := s.flushAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if n := s.backlogLen(); n > 0 {
		s.logger.Warn("closing with uncommitted messages; the broker will redeliver them", zap.Int("messages", n))
	}
	if err := s.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close consumer: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.logger.Info("sink closed")
	return errors.Join(errs...)
}
