package crawler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/gitcrawl/internal/retry"
)

var crawlStart = time.Unix(1_700_000_000, 0).UTC()

type harness struct {
	clock     *fakeClock
	fetcher   *scriptedFetcher
	publisher *recordingPublisher
	scheduler *Scheduler
}

func newHarness(t *testing.T, mutate func(*Config), script func(*scriptedFetcher)) *harness {
	t.Helper()
	clock := newFakeClock(crawlStart)
	fetcher := newScriptedFetcher(clock)
	script(fetcher)
	publisher := &recordingPublisher{clock: clock}

	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	scheduler, err := NewScheduler(cfg, fetcher, jsonMapper{}, publisher, clock, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &harness{clock: clock, fetcher: fetcher, publisher: publisher, scheduler: scheduler}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	require.NoError(t, h.scheduler.Run(context.Background()))
	select {
	case <-h.scheduler.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
}

func (h *harness) elapsed() time.Duration {
	return h.clock.Now().Sub(crawlStart)
}

func TestSchedulerStopsDetailsAtEndID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.EndID = 2 }, func(f *scriptedFetcher) {
		f.on("/users", okResponse(`[{"id":1},{"id":2},{"id":3}]`, `<https://api.github.com/users?since=3>; rel="next"`))
		f.on("/user/1", okResponse(`{"id":1}`, ""))
		f.on("/user/2", okResponse(`{"id":2}`, ""))
		f.on("/user/3", okResponse(`{"id":3}`, ""))
	})
	h.run(t)

	require.Equal(t, []string{"/users", "/user/1", "/user/2"}, h.fetcher.routes())
	published := h.publisher.published()
	require.Len(t, published, 2)
	require.Equal(t, "gitcrawl-user", published[0].destination)
	require.Equal(t, "1", published[0].key)
	require.Equal(t, "2", published[1].key)

	require.Equal(t, 10*time.Second, h.elapsed(), "completion fires one grace period after the listing ends")
	stats := h.scheduler.Snapshot()
	require.True(t, stats.Finished)
	require.Equal(t, 1, stats.Suppressed)
	require.Equal(t, 2, stats.Published)
	require.Equal(t, int64(3), stats.Cursor)
}

func TestSchedulerListingFollowsCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.StartID = 0; c.EndID = 100; c.PerPage = 2 }, func(f *scriptedFetcher) {
		f.on("/users",
			okResponse(`[{"id":1},{"id":4821}]`, `<https://api.github.com/users?since=4821>; rel="next"`),
		)
	})
	h.run(t)

	listings := h.fetcher.callsTo("/users")
	require.Len(t, listings, 1)
	require.Equal(t, "0", listings[0].req.Params.Get("since"))
	require.Equal(t, "2", listings[0].req.Params.Get("per_page"))
	require.Len(t, h.fetcher.callsTo("/user/4821"), 0)
	require.Equal(t, int64(4821), h.scheduler.Snapshot().Cursor)
}

func TestSchedulerSpacesListingPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.EndID = 10 }, func(f *scriptedFetcher) {
		f.on("/users",
			okResponse(`[{"id":1}]`, `<https://api.github.com/users?since=1>; rel="next"`),
			okResponse(`[{"id":2}]`, ""),
		)
		f.on("/user/1", okResponse(`{"id":1}`, ""))
		f.on("/user/2", okResponse(`{"id":2}`, ""))
	})
	h.run(t)

	listings := h.fetcher.callsTo("/users")
	require.Len(t, listings, 2)
	require.Equal(t, "1", listings[1].req.Params.Get("since"))
	require.Equal(t, 30*time.Second, listings[1].at.Sub(listings[0].at))
	require.Len(t, h.publisher.published(), 2)
	require.Equal(t, 40*time.Second, h.elapsed())
}

func TestSchedulerDefersRateLimitedDetail(t *testing.T) {
	t.Parallel()

	reset := crawlStart.Add(10 * time.Second).Unix()
	h := newHarness(t, func(c *Config) { c.EndID = 10 }, func(f *scriptedFetcher) {
		f.on("/users", okResponse(`[{"id":5}]`, ""))
		f.on("/user/5", rateLimited(reset), okResponse(`{"id":5}`, ""))
	})
	h.run(t)

	calls := h.fetcher.callsTo("/user/5")
	require.Len(t, calls, 2)
	require.Equal(t, crawlStart, calls[0].at)
	require.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 11*time.Second)

	published := h.publisher.published()
	require.Len(t, published, 1)
	require.False(t, published[0].at.Before(calls[1].at), "nothing may publish before the retry succeeds")
	require.Equal(t, 1, h.scheduler.Snapshot().RateLimited)
}

func TestSchedulerRateLimitWithoutResetUsesFallback(t *testing.T) {
	t.Parallel()

	limited := rateLimited(0)
	limited.resp.Header.Del(HeaderRateLimitReset)
	h := newHarness(t, func(c *Config) { c.EndID = 10; c.RateLimitFallback = 45 * time.Second }, func(f *scriptedFetcher) {
		f.on("/users", okResponse(`[{"id":5}]`, ""))
		f.on("/user/5", limited, okResponse(`{"id":5}`, ""))
	})
	h.run(t)

	calls := h.fetcher.callsTo("/user/5")
	require.Len(t, calls, 2)
	require.Equal(t, 45*time.Second, calls[1].at.Sub(calls[0].at))
}

func TestSchedulerRateLimitedListingResumesSameCursor(t *testing.T) {
	t.Parallel()

	reset := crawlStart.Add(2 * time.Minute).Unix()
	h := newHarness(t, func(c *Config) { c.StartID = 7; c.EndID = 10 }, func(f *scriptedFetcher) {
		f.on("/users", rateLimited(reset), okResponse(`[]`, ""))
	})
	h.run(t)

	listings := h.fetcher.callsTo("/users")
	require.Len(t, listings, 2)
	require.Equal(t, "7", listings[1].req.Params.Get("since"))
	require.Equal(t, 121*time.Second, listings[1].at.Sub(listings[0].at))
}

func TestSchedulerSkipsOrdinaryForbidden(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.EndID = 10 }, func(f *scriptedFetcher) {
		f.on("/users", okResponse(`[{"id":1}]`, ""))
		f.on("/user/1", statusResponse(http.StatusForbidden, `{"message":"Forbidden"}`))
	})
	h.run(t)

	require.Len(t, h.fetcher.callsTo("/user/1"), 1)
	require.Empty(t, h.publisher.published())
	stats := h.scheduler.Snapshot()
	require.Equal(t, 1, stats.Skipped)
	require.Zero(t, stats.RateLimited)
}

func TestSchedulerSkipsInaccessibleEntity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.Entity = EntityRepo; c.EndID = 10 }, func(f *scriptedFetcher) {
		f.on("/repositories", okResponse(`[{"id":3},{"id":4}]`, ""))
		f.on("/repositories/3", statusResponse(http.StatusUnavailableForLegalReasons, `{"message":"Repository access blocked"}`))
		f.on("/repositories/4", okResponse(`{"id":4}`, ""))
	})
	h.run(t)

	published := h.publisher.published()
	require.Len(t, published, 1)
	require.Equal(t, "gitcrawl-repo", published[0].destination)
	require.Equal(t, "4", published[0].key)
}

func TestSchedulerRetriesTransportErrorsThenDrops(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.EndID = 10 }, func(f *scriptedFetcher) {
		f.on("/users", okResponse(`[{"id":1},{"id":2}]`, ""))
		f.on("/user/1", scriptedResult{err: errors.New("connection reset")})
		f.on("/user/2", scriptedResult{err: errors.New("connection reset")}, okResponse(`{"id":2}`, ""))
	})
	h.run(t)

	require.Len(t, h.fetcher.callsTo("/user/1"), 3)
	require.Len(t, h.fetcher.callsTo("/user/2"), 2)
	stats := h.scheduler.Snapshot()
	require.Equal(t, 1, stats.Dropped)
	require.Equal(t, 3, stats.Retries)
	require.Len(t, h.publisher.published(), 1)
}

func TestSchedulerRetriesServerErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.EndID = 10 }, func(f *scriptedFetcher) {
		f.on("/users", statusResponse(http.StatusBadGateway, ""), okResponse(`[{"id":1}]`, ""))
		f.on("/user/1", okResponse(`{"id":1}`, ""))
	})
	h.run(t)

	require.Len(t, h.fetcher.callsTo("/users"), 2)
	require.Len(t, h.publisher.published(), 1)
}

func TestSchedulerFansOutRelations(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) {
		c.EndID = 10
		c.Relations = []Relation{RelationFollowers}
		c.RelationPerPage = 50
	}, func(f *scriptedFetcher) {
		f.on("/users", okResponse(`[{"id":1}]`, ""))
		f.on("/user/1", okResponse(`{"id":1}`, ""))
		f.on("/user/1/followers",
			okResponse(`[{"id":11},{"id":12}]`, `<https://api.github.com/user/1/followers?page=2>; rel="next"`),
			okResponse(`[{"id":13}]`, ""),
		)
	})
	h.run(t)

	pages := h.fetcher.callsTo("/user/1/followers")
	require.Len(t, pages, 2)
	require.Equal(t, "1", pages[0].req.Params.Get("page"))
	require.Equal(t, "50", pages[0].req.Params.Get("per_page"))
	require.Equal(t, "2", pages[1].req.Params.Get("page"))
	require.Equal(t, 60*time.Second, pages[1].at.Sub(pages[0].at))

	published := h.publisher.published()
	require.Len(t, published, 3)
	require.Equal(t, "gitcrawl-followers", published[1].destination)
	require.Equal(t, "1", published[1].key, "relation pages are keyed by owner id")
	require.Equal(t, RelationBatch{
		Relation: RelationFollowers, OwnerType: EntityUser, OwnerID: 1, Page: 1, IDs: []int64{11, 12},
	}, published[1].message)
	require.Equal(t, "1", published[2].key)

	require.GreaterOrEqual(t, h.elapsed(), 60*time.Second, "completion waits for queued relation pages")
}

func TestSchedulerFinishesImmediatelyWhenStartAtEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.StartID = 50; c.EndID = 50 }, func(*scriptedFetcher) {})
	h.run(t)

	require.Empty(t, h.fetcher.routes())
	require.Equal(t, 10*time.Second, h.elapsed())
}

func TestSchedulerPublishFailureDropsDetail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) {
		c.EndID = 10
		c.Relations = []Relation{RelationFollowers}
	}, func(f *scriptedFetcher) {
		f.on("/users", okResponse(`[{"id":1}]`, ""))
		f.on("/user/1", okResponse(`{"id":1}`, ""))
	})
	h.publisher.err = errors.New("broker down")
	h.run(t)

	require.Empty(t, h.fetcher.callsTo("/user/1/followers"), "relations fan out only after a successful publish")
	require.Equal(t, 1, h.scheduler.Snapshot().Dropped)
}

func TestSchedulerRunHonorsCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, func(*scriptedFetcher) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.scheduler.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, h.scheduler.Snapshot().Finished)
	require.ErrorIs(t, h.scheduler.Run(context.Background()), ErrAlreadyStarted)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown entity", mutate: func(c *Config) { c.Entity = "gist" }},
		{name: "negative start", mutate: func(c *Config) { c.StartID = -1 }},
		{name: "end before start", mutate: func(c *Config) { c.StartID = 10; c.EndID = 5 }},
		{name: "page too large", mutate: func(c *Config) { c.PerPage = 101 }},
		{name: "page too small", mutate: func(c *Config) { c.PerPage = 0 }},
		{name: "negative delay", mutate: func(c *Config) { c.ListingDelay = -time.Second }},
		{name: "foreign relation", mutate: func(c *Config) { c.Relations = []Relation{RelationForks} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, DefaultConfig().Validate())
}
