package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gitcrawl/internal/logging"
	"github.com/JakeFAU/gitcrawl/internal/metrics"
	"github.com/JakeFAU/gitcrawl/internal/retry"
)

// MaxPerPage is the largest page size GitHub accepts.
const MaxPerPage = 100

// ErrAlreadyStarted is returned when Run is called twice.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Config tunes the scheduler.
type Config struct {
	Entity          EntityType
	StartID         int64
	EndID           int64
	PerPage         int
	RelationPerPage int
	// Relations enables relation fan-out after each published detail. Empty disables it.
	Relations []Relation

	ListingDelay      time.Duration
	RelationDelay     time.Duration
	DoneGrace         time.Duration
	RateLimitFallback time.Duration
	// Retry bounds transport failures and 5xx responses per task.
	Retry retry.Policy
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{
		Entity:            EntityUser,
		StartID:           0,
		EndID:             5000,
		PerPage:           MaxPerPage,
		RelationPerPage:   MaxPerPage,
		ListingDelay:      30 * time.Second,
		RelationDelay:     60 * time.Second,
		DoneGrace:         10 * time.Second,
		RateLimitFallback: 60 * time.Second,
		Retry:             retry.DefaultPolicy(),
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if _, err := ParseEntityType(string(c.Entity)); err != nil {
		return err
	}
	if c.StartID < 0 {
		return fmt.Errorf("start id must be non-negative, got %d", c.StartID)
	}
	if c.EndID < c.StartID {
		return fmt.Errorf("end id %d is before start id %d", c.EndID, c.StartID)
	}
	if c.PerPage < 1 || c.PerPage > MaxPerPage {
		return fmt.Errorf("per page must be between 1 and %d, got %d", MaxPerPage, c.PerPage)
	}
	if c.RelationPerPage < 0 || c.RelationPerPage > MaxPerPage {
		return fmt.Errorf("relation per page must be between 0 and %d, got %d", MaxPerPage, c.RelationPerPage)
	}
	if c.ListingDelay < 0 || c.RelationDelay < 0 || c.DoneGrace < 0 || c.RateLimitFallback < 0 {
		return errors.New("delays must be non-negative")
	}
	for _, relation := range c.Relations {
		owner, ok := RelationOwner(relation)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownRelation, relation)
		}
		if owner != c.Entity {
			return fmt.Errorf("relation %q belongs to %s, not %s", relation, owner, c.Entity)
		}
	}
	return nil
}

// Scheduler drives the crawl state machine from a single goroutine.
type Scheduler struct {
	cfg       Config
	fetcher   Fetcher
	mapper    Mapper
	publisher Publisher
	clock     Clock
	logger    *zap.Logger

	started  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	mu            sync.Mutex
	queue         taskQueue
	seq           uint64
	doneScheduled bool
	stats         Stats
}

// NewScheduler wires a scheduler. A nil logger discards output.
func NewScheduler(
	cfg Config,
	fetcher Fetcher,
	mapper Mapper,
	publisher Publisher,
	clock Clock,
	logger *zap.Logger,
) (*Scheduler, error) {
	if cfg.RelationPerPage == 0 {
		cfg.RelationPerPage = cfg.PerPage
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawler config: %w", err)
	}
	if fetcher == nil || mapper == nil || publisher == nil || clock == nil {
		return nil, errors.New("scheduler requires a fetcher, mapper, publisher, and clock")
	}
	return &Scheduler{
		cfg:       cfg,
		fetcher:   fetcher,
		mapper:    mapper,
		publisher: publisher,
		clock:     clock,
		logger:    logging.OrNop(logger).With(zap.String("entity", string(cfg.Entity))),
		done:      make(chan struct{}),
		stats: Stats{
			EntityType: cfg.Entity,
			Cursor:     cfg.StartID,
			EndID:      cfg.EndID,
		},
	}, nil
}

// Done is closed once the crawl finishes.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns current progress counters.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run executes tasks until the crawl completes or ctx ends. It returns nil on
// completion and the context error when interrupted; queued work is abandoned.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.mu.Lock()
	s.stats.StartedAt = s.clock.Now()
	s.mu.Unlock()
	s.logger.Info("crawl started",
		zap.Int64("start_id", s.cfg.StartID),
		zap.Int64("end_id", s.cfg.EndID),
		zap.Int("per_page", s.cfg.PerPage),
		zap.Int("relations", len(s.cfg.Relations)),
	)

	s.enqueue(&Task{Kind: TaskListing, Entity: s.cfg.Entity, Since: s.cfg.StartID}, 0)
	for {
		if err := ctx.Err(); err != nil {
			return s.interrupted(err)
		}
		task := s.next()
		if task == nil {
			s.finish()
			return nil
		}
		if err := s.waitUntil(ctx, task.due); err != nil {
			return s.interrupted(err)
		}
		if s.execute(ctx, task) {
			s.finish()
			return nil
		}
	}
}

func (s *Scheduler) interrupted(err error) error {
	s.mu.Lock()
	pending := s.queue.countWork()
	s.mu.Unlock()
	s.logger.Info("crawl interrupted", zap.Int("abandoned_tasks", pending), zap.Error(err))
	return fmt.Errorf("crawl interrupted: %w", err)
}

func (s *Scheduler) waitUntil(ctx context.Context, due time.Time) error {
	wait := due.Sub(s.clock.Now())
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(wait):
		return nil
	}
}

func (s *Scheduler) execute(ctx context.Context, task *Task) bool {
	switch task.Kind {
	case TaskListing:
		s.runListing(ctx, task)
	case TaskDetail:
		s.runDetail(ctx, task)
	case TaskRelationPage:
		s.runRelationPage(ctx, task)
	case TaskDone:
		return s.runDone()
	default:
		s.logger.Error("unknown task kind", zap.Stringer("task", task))
	}
	return false
}

func (s *Scheduler) runListing(ctx context.Context, task *Task) {
	if task.Since >= s.cfg.EndID {
		s.logger.Info("listing cursor reached end id",
			zap.Int64("since", task.Since), zap.Int64("end_id", s.cfg.EndID))
		s.observe(task, "suppressed", func(st *Stats) { st.Suppressed++ })
		s.scheduleDone()
		return
	}
	route, err := ListRoute(task.Entity)
	if err != nil {
		s.logger.Error("no listing route", zap.Error(err))
		s.scheduleDone()
		return
	}
	params := url.Values{}
	params.Set("since", strconv.FormatInt(task.Since, 10))
	params.Set("per_page", strconv.Itoa(s.cfg.PerPage))
	resp, ok := s.fetch(ctx, task, FetchRequest{Route: route, Params: params, Label: "list_" + string(task.Entity)})
	if !ok {
		return
	}
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("listing returned unexpected status; ending listing",
			zap.Int64("since", task.Since), zap.Int("status", resp.StatusCode))
		s.observe(task, "skipped", func(st *Stats) { st.Listings++; st.Skipped++ })
		s.scheduleDone()
		return
	}
	ids, err := s.mapper.IDs(resp.Body)
	if err != nil {
		s.logger.Error("could not decode listing; ending listing", zap.Int64("since", task.Since), zap.Error(err))
		s.observe(task, "skipped", func(st *Stats) { st.Listings++; st.Skipped++ })
		s.scheduleDone()
		return
	}
	for _, id := range ids {
		s.enqueue(&Task{Kind: TaskDetail, Entity: task.Entity, ID: id}, 0)
	}

	next, hasNext := NextSince(resp.Header.Get(HeaderLink))
	s.observe(task, "ok", func(st *Stats) {
		st.Listings++
		if hasNext {
			st.Cursor = next
		}
	})
	s.logger.Debug("listing page scheduled details",
		zap.Int64("since", task.Since), zap.Int("ids", len(ids)), zap.Int64("next_since", next))
	switch {
	case !hasNext:
		s.logger.Info("listing has no next page", zap.Int64("since", task.Since))
		s.scheduleDone()
	case next <= task.Since:
		s.logger.Warn("listing cursor did not advance; ending listing",
			zap.Int64("since", task.Since), zap.Int64("next_since", next))
		s.scheduleDone()
	case next >= s.cfg.EndID:
		s.logger.Info("listing cursor reached end id",
			zap.Int64("since", next), zap.Int64("end_id", s.cfg.EndID))
		s.scheduleDone()
	default:
		s.enqueue(&Task{Kind: TaskListing, Entity: task.Entity, Since: next}, s.cfg.ListingDelay)
	}
}

func (s *Scheduler) runDetail(ctx context.Context, task *Task) {
	if task.ID > s.cfg.EndID {
		s.logger.Debug("detail past end id suppressed", zap.Int64("id", task.ID))
		s.observe(task, "suppressed", func(st *Stats) { st.Suppressed++ })
		return
	}
	route, err := EntityRoute(task.Entity, task.ID)
	if err != nil {
		s.logger.Error("no detail route", zap.Int64("id", task.ID), zap.Error(err))
		return
	}
	resp, ok := s.fetch(ctx, task, FetchRequest{Route: route, Label: string(task.Entity)})
	if !ok {
		return
	}
	record, err := s.mapper.MapEntity(task.Entity, resp, task.ID)
	if err != nil {
		if errors.Is(err, ErrInaccessible) {
			s.logger.Warn("entity inaccessible; skipping", zap.Int64("id", task.ID), zap.Error(err))
		} else {
			s.logger.Warn("could not map entity; skipping",
				zap.Int64("id", task.ID), zap.Int("status", resp.StatusCode), zap.Error(err))
		}
		s.observe(task, "skipped", func(st *Stats) { st.Details++; st.Skipped++ })
		return
	}
	key := strconv.FormatInt(record.ID, 10)
	if err := s.publisher.Publish(ctx, EntityTopic(record.Type), record.Payload, key); err != nil {
		s.logger.Error("publish detail failed", zap.Int64("id", record.ID), zap.Error(err))
		s.observe(task, "dropped", func(st *Stats) { st.Details++; st.Dropped++ })
		return
	}
	s.observe(task, "ok", func(st *Stats) { st.Details++; st.Published++ })
	for _, relation := range s.cfg.Relations {
		s.enqueue(&Task{
			Kind:     TaskRelationPage,
			Entity:   task.Entity,
			ID:       record.ID,
			Relation: relation,
			Page:     1,
		}, 0)
	}
}

func (s *Scheduler) runRelationPage(ctx context.Context, task *Task) {
	if task.ID > s.cfg.EndID {
		s.observe(task, "suppressed", func(st *Stats) { st.Suppressed++ })
		return
	}
	route, err := RelationRoute(task.Relation, task.ID)
	if err != nil {
		s.logger.Error("no relation route", zap.String("relation", string(task.Relation)), zap.Error(err))
		return
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(task.Page))
	params.Set("per_page", strconv.Itoa(s.cfg.RelationPerPage))
	resp, ok := s.fetch(ctx, task, FetchRequest{Route: route, Params: params, Label: string(task.Relation)})
	if !ok {
		return
	}
	fields := []zap.Field{
		zap.String("relation", string(task.Relation)),
		zap.Int64("owner_id", task.ID),
		zap.Int("page", task.Page),
	}
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("relation page returned unexpected status; skipping",
			append(fields, zap.Int("status", resp.StatusCode))...)
		s.observe(task, "skipped", func(st *Stats) { st.RelationPages++; st.Skipped++ })
		return
	}
	ids, err := s.mapper.IDs(resp.Body)
	if err != nil {
		s.logger.Warn("could not decode relation page; skipping", append(fields, zap.Error(err))...)
		s.observe(task, "skipped", func(st *Stats) { st.RelationPages++; st.Skipped++ })
		return
	}
	batch := RelationBatch{
		Relation:  task.Relation,
		OwnerType: task.Entity,
		OwnerID:   task.ID,
		Page:      task.Page,
		IDs:       ids,
	}
	if err := s.publisher.Publish(ctx, RelationTopic(task.Relation), batch, strconv.FormatInt(task.ID, 10)); err != nil {
		s.logger.Error("publish relation page failed", append(fields, zap.Error(err))...)
		s.observe(task, "dropped", func(st *Stats) { st.RelationPages++; st.Dropped++ })
		return
	}
	s.observe(task, "ok", func(st *Stats) { st.RelationPages++; st.Published++ })
	if HasNextPage(resp.Header.Get(HeaderLink)) {
		next := *task
		next.Page++
		next.Failures = 0
		s.enqueue(&next, s.cfg.RelationDelay)
	}
}

// runDone reports whether the crawl may finish. While work is still queued it re-arms itself.
func (s *Scheduler) runDone() bool {
	s.mu.Lock()
	pending := s.queue.countWork()
	s.mu.Unlock()
	if pending > 0 {
		s.logger.Debug("work still queued; deferring completion", zap.Int("pending", pending))
		s.enqueue(&Task{Kind: TaskDone}, s.cfg.DoneGrace)
		return false
	}
	return true
}

// fetch performs the call and reports whether the caller should process the response.
// Rate-limited, failed, and 5xx calls are rescheduled or dropped here.
func (s *Scheduler) fetch(ctx context.Context, task *Task, req FetchRequest) (FetchResponse, bool) {
	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return FetchResponse{}, false
		}
		s.retryOrDrop(task, err)
		return FetchResponse{}, false
	}
	if IsRateLimited(resp) {
		s.deferForRateLimit(task, resp)
		return FetchResponse{}, false
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		s.retryOrDrop(task, fmt.Errorf("%w %d from %s", ErrUnexpectedStatus, resp.StatusCode, req.Route))
		return FetchResponse{}, false
	}
	return resp, true
}

func (s *Scheduler) retryOrDrop(task *Task, err error) {
	failures := task.Failures + 1
	if s.cfg.Retry.ShouldRetry(err, failures) {
		delay := s.cfg.Retry.Backoff(failures)
		again := *task
		again.Failures = failures
		s.enqueue(&again, delay)
		s.logger.Warn("fetch failed; retrying",
			zap.Stringer("task", task), zap.Int("failures", failures), zap.Duration("backoff", delay), zap.Error(err))
		s.observe(task, "retry", func(st *Stats) { st.Retries++ })
		return
	}
	s.logger.Error("fetch failed; dropping task",
		zap.Stringer("task", task), zap.Int("failures", failures), zap.Error(err))
	s.observe(task, "dropped", func(st *Stats) { st.Dropped++ })
	if task.Kind == TaskListing {
		s.scheduleDone()
	}
}

func (s *Scheduler) deferForRateLimit(task *Task, resp FetchResponse) {
	now := s.clock.Now()
	delay := s.cfg.RateLimitFallback
	if reset, ok := ParseRateLimitReset(resp.Header); ok {
		delay = ResumeDelay(reset, now)
	} else {
		s.logger.Warn("rate limited without a usable reset header; using fallback pause",
			zap.Duration("fallback", delay))
	}
	again := *task
	s.enqueue(&again, delay)
	s.logger.Warn("rate limited; deferring task",
		zap.Stringer("task", task), zap.Duration("delay", delay), zap.Time("resume_at", now.Add(delay)))
	metrics.ObserveRateLimitPause(task.Kind.String(), delay)
	s.observe(task, "rate_limited", func(st *Stats) { st.RateLimited++ })
}

// scheduleDone arms the completion task once.
func (s *Scheduler) scheduleDone() {
	s.mu.Lock()
	if s.doneScheduled {
		s.mu.Unlock()
		return
	}
	s.doneScheduled = true
	s.mu.Unlock()
	s.enqueue(&Task{Kind: TaskDone}, s.cfg.DoneGrace)
}

func (s *Scheduler) enqueue(task *Task, delay time.Duration) {
	s.mu.Lock()
	s.seq++
	task.seq = s.seq
	task.due = s.clock.Now().Add(delay)
	s.queue.push(task)
	depth := s.queue.Len()
	s.stats.Queued = depth
	s.mu.Unlock()
	metrics.SetQueuedTasks(depth)
}

func (s *Scheduler) next() *Task {
	s.mu.Lock()
	task := s.queue.pop()
	depth := s.queue.Len()
	s.stats.Queued = depth
	s.mu.Unlock()
	metrics.SetQueuedTasks(depth)
	return task
}

func (s *Scheduler) observe(task *Task, outcome string, update func(*Stats)) {
	s.mu.Lock()
	update(&s.stats)
	s.mu.Unlock()
	metrics.ObserveTask(task.Kind.String(), outcome)
}

func (s *Scheduler) finish() {
	s.doneOnce.Do(func() {
		finishedAt := s.clock.Now()
		s.mu.Lock()
		s.stats.Finished = true
		s.stats.FinishedAt = &finishedAt
		stats := s.stats
		s.mu.Unlock()
		s.logger.Info("crawl complete",
			zap.Int("listings", stats.Listings),
			zap.Int("details", stats.Details),
			zap.Int("relation_pages", stats.RelationPages),
			zap.Int("published", stats.Published),
			zap.Int("rate_limited", stats.RateLimited),
			zap.Int("dropped", stats.Dropped),
			zap.Duration("elapsed", finishedAt.Sub(stats.StartedAt)),
		)
		close(s.done)
	})
}
