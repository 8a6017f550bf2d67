// Package app builds the crawl pipeline from configuration and runs it: the
// scheduler feeds the publisher, the sink drains the broker into the store,
// and the operator API reports on both.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gitcrawl/internal/api"
	"github.com/JakeFAU/gitcrawl/internal/clock/system"
	"github.com/JakeFAU/gitcrawl/internal/config"
	"github.com/JakeFAU/gitcrawl/internal/crawler"
	collyfetcher "github.com/JakeFAU/gitcrawl/internal/fetcher/colly"
	"github.com/JakeFAU/gitcrawl/internal/hash/sha256"
	"github.com/JakeFAU/gitcrawl/internal/id/uuid"
	"github.com/JakeFAU/gitcrawl/internal/logging"
	"github.com/JakeFAU/gitcrawl/internal/publisher"
	"github.com/JakeFAU/gitcrawl/internal/queue"
	"github.com/JakeFAU/gitcrawl/internal/queue/kafka"
	memqueue "github.com/JakeFAU/gitcrawl/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/gitcrawl/internal/queue/pubsub"
	"github.com/JakeFAU/gitcrawl/internal/record"
	"github.com/JakeFAU/gitcrawl/internal/retry"
	"github.com/JakeFAU/gitcrawl/internal/sink"
	"github.com/JakeFAU/gitcrawl/internal/storage"
	gcsblob "github.com/JakeFAU/gitcrawl/internal/storage/gcs"
	"github.com/JakeFAU/gitcrawl/internal/storage/local"
	"github.com/JakeFAU/gitcrawl/internal/storage/memory"
	"github.com/JakeFAU/gitcrawl/internal/storage/mysql"
	"github.com/JakeFAU/gitcrawl/internal/storage/postgres"
)

// Deps overrides components that would otherwise be built from config.
// Zero fields are built normally.
type Deps struct {
	Fetcher  crawler.Fetcher
	Clock    crawler.Clock
	Producer queue.Producer
	Consumer queue.Consumer
	Store    storage.Store
	Blobs    storage.BlobStore
}

// App owns one crawl run and its supporting services.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string

	scheduler *crawler.Scheduler
	publisher *publisher.Publisher
	sink      *sink.Sink
	server    *http.Server

	closers  []func() error
	stop     chan struct{}
	stopOnce sync.Once
}

// New wires every component. Resources opened before a failure are released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, deps Deps) (a *App, err error) {
	logger = logging.OrNop(logger)
	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	a = &App{
		cfg:    cfg,
		logger: logger.With(zap.String("run_id", runID)),
		runID:  runID,
		stop:   make(chan struct{}),
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	schedulerCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return nil, err
	}

	fetcher := deps.Fetcher
	if fetcher == nil {
		if fetcher, err = a.buildFetcher(); err != nil {
			return nil, err
		}
	}
	clock := deps.Clock
	if clock == nil {
		clock = system.New()
	}

	producer, consumer := deps.Producer, deps.Consumer
	if producer == nil || consumer == nil {
		p, c, err := a.buildBroker(ctx)
		if err != nil {
			return nil, err
		}
		if producer == nil {
			producer = p
		}
		if consumer == nil {
			consumer = c
		}
	}

	store := deps.Store
	if store == nil {
		if store, err = a.buildStore(ctx); err != nil {
			return nil, err
		}
	}

	blobs := deps.Blobs
	if blobs == nil {
		if blobs, err = a.buildBlobs(ctx); err != nil {
			return nil, err
		}
	}
	deadLetters := publisher.NewBlobDeadLetters(blobs, sha256.New(), cfg.DeadLetter.Prefix)

	a.publisher = publisher.New(producer, deadLetters, publisher.Config{
		Retry: retry.Policy{
			MaxAttempts: cfg.Publisher.MaxAttempts,
			BaseDelay:   cfg.Publisher.BaseDelay,
			MaxDelay:    cfg.Publisher.MaxDelay,
			Jitter:      true,
		},
		ConnectBackoff: publisher.DefaultConfig().ConnectBackoff,
		DrainInterval:  cfg.Publisher.DrainInterval,
		DrainAttempts:  cfg.Publisher.DrainAttempts,
	}, a.logger.Named("publisher"))

	a.sink, err = sink.New(consumer, store, crawler.Destinations(), sink.Config{
		BatchSize:    cfg.Sink.BatchSize,
		PullSize:     cfg.Sink.PullSize,
		PollInterval: cfg.Sink.PollInterval,
		DrainRounds:  cfg.Sink.DrainRounds,
	}, a.logger.Named("sink"))
	if err != nil {
		return nil, fmt.Errorf("init sink: %w", err)
	}

	a.scheduler, err = crawler.NewScheduler(schedulerCfg, fetcher, record.NewMapper(), a.publisher, clock, a.logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	if cfg.Server.Enabled {
		handler := api.NewServer(a, a.publisher.Ready, uuid.New(), a.logger, api.Options{
			APIKey: cfg.Server.APIKey,
			RunID:  runID,
		})
		a.server = &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
			Handler:           handler.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

func (a *App) buildFetcher() (crawler.Fetcher, error) {
	gh := a.cfg.GitHub
	f, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:           gh.BaseURL,
		UserAgent:         gh.UserAgent,
		ClientID:          gh.ClientID,
		ClientSecret:      gh.ClientSecret,
		Token:             gh.Token,
		Timeout:           gh.Timeout,
		RequestsPerSecond: gh.RequestsPerSecond,
		Burst:             gh.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}
	return f, nil
}

func (a *App) buildBroker(ctx context.Context) (queue.Producer, queue.Consumer, error) {
	b := a.cfg.Broker
	logger := a.logger.Named("broker")
	switch b.Kind {
	case "memory":
		broker := memqueue.NewBroker()
		wait := min(a.cfg.Sink.PollInterval, 100*time.Millisecond)
		return broker.Producer(), broker.Consumer(wait), nil
	case "kafka":
		kcfg := kafka.Config{
			Brokers:      b.Kafka.Brokers,
			ClientID:     b.Kafka.ClientID,
			GroupID:      b.Kafka.GroupID,
			BatchTimeout: b.Kafka.BatchTimeout,
			MaxWait:      b.Kafka.MaxWait,
		}
		producer, err := kafka.NewProducer(kcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init kafka producer: %w", err)
		}
		consumer, err := kafka.NewConsumer(kcfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init kafka consumer: %w", err)
		}
		return producer, consumer, nil
	case "pubsub":
		client, err := gpubsub.NewClient(ctx, b.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		producer := pubsubqueue.NewProducer(client, logger)
		consumer := pubsubqueue.NewConsumer(client, b.PubSub.SubscriptionSuffix, b.PubSub.ReceiveBuffer, logger)
		return producer, consumer, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker kind: %s", b.Kind)
	}
}

func (a *App) buildStore(ctx context.Context) (storage.Store, error) {
	s := a.cfg.Store
	switch s.Kind {
	case "memory":
		return memory.NewDocumentStore(), nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             s.Postgres.DSN,
			MaxConns:        s.Postgres.MaxConns,
			MinConns:        s.Postgres.MinConns,
			MaxConnLifetime: s.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return store, nil
	case "mysql":
		store, err := mysql.New(mysql.Config{
			DSN:             s.MySQL.DSN,
			MaxOpenConns:    s.MySQL.MaxOpenConns,
			MaxIdleConns:    s.MySQL.MaxIdleConns,
			ConnMaxLifetime: s.MySQL.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("init mysql store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store kind: %s", s.Kind)
	}
}

func (a *App) buildBlobs(ctx context.Context) (storage.BlobStore, error) {
	d := a.cfg.DeadLetter
	switch d.Kind {
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		blobs, err := local.New(local.Config{BaseDir: d.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local dead letters: %w", err)
		}
		return blobs, nil
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		blobs, err := gcsblob.New(client, gcsblob.Config{Bucket: d.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs dead letters: %w", err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown dead-letter kind: %s", d.Kind)
	}
}

// RunID identifies this crawl in logs and the status API.
func (a *App) RunID() string {
	return a.runID
}

// Snapshot reports the scheduler's progress.
func (a *App) Snapshot() crawler.Stats {
	return a.scheduler.Snapshot()
}

// Stop ends the crawl early. Run still drains the publisher and flushes the sink.
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Run crawls until the scheduler finishes, ctx ends or Stop is called, then
// shuts down in order: publisher drain, sink drain and flush, API server.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	serveCtx, stopServices := context.WithCancel(gctx)
	defer stopServices()

	go func() {
		select {
		case <-a.stop:
			a.logger.Info("stop requested")
		case <-gctx.Done():
		case <-runCtx.Done():
		}
		cancel()
	}()

	a.logger.Info("crawl starting",
		zap.String("type", a.cfg.Crawler.Type),
		zap.Int64("start_id", a.cfg.Crawler.StartID),
		zap.Int64("end_id", a.cfg.Crawler.EndID),
		zap.String("broker", a.cfg.Broker.Kind),
		zap.String("store", a.cfg.Store.Kind),
	)
	a.publisher.Start(runCtx)
	g.Go(func() error { return a.sink.Run(serveCtx) })
	if a.server != nil {
		g.Go(func() error { return a.serve(serveCtx) })
	}

	var errs []error
	if err := a.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, fmt.Errorf("crawl: %w", err))
	}
	stats := a.scheduler.Snapshot()
	a.logger.Info("crawl finished",
		zap.Bool("completed", stats.Finished),
		zap.Int64("cursor", stats.Cursor),
		zap.Int("published", stats.Published),
		zap.Int("dropped", stats.Dropped),
	)

	shutdownCtx := context.WithoutCancel(ctx)
	if err := a.publisher.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	stopServices()
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if err := a.sink.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	a.closeResources()
	return errors.Join(errs...)
}

func (a *App) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("operator API listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("operator API: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown operator API: %w", err)
	}
	return nil
}

func (a *App) closeResources() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing client", zap.Error(err))
		}
	}
	a.closers = nil
}
