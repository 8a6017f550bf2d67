// Package metrics exposes Prometheus collectors for the crawler, publisher, and sink.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	githubRequestsTotal          *prometheus.CounterVec
	githubRequestDurationSeconds *prometheus.HistogramVec
	crawlerTasksTotal            *prometheus.CounterVec
	crawlerRateLimitPausesTotal  *prometheus.CounterVec
	crawlerRateLimitDelaySeconds prometheus.Histogram
	crawlerQueuedTasks           prometheus.Gauge
	publisherMessagesTotal       *prometheus.CounterVec
	publisherInFlight            prometheus.Gauge
	publisherDeadLettersTotal    *prometheus.CounterVec
	sinkFlushesTotal             *prometheus.CounterVec
	sinkDocumentsTotal           *prometheus.CounterVec
	sinkBufferedDocuments        *prometheus.GaugeVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times; observers call it on first use.
func Init() {
	once.Do(func() {
		githubRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "github_requests_total",
				Help: "Total GitHub API requests, labeled by route and status code.",
			},
			[]string{"route", "code"},
		)

		githubRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "github_request_duration_seconds",
				Help:    "Histogram of GitHub API latencies, labeled by route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"route"},
		)

		crawlerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tasks_total",
				Help: "Total scheduler tasks executed, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		crawlerRateLimitPausesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_rate_limit_pauses_total",
				Help: "Total times a task was deferred by the GitHub rate limit, labeled by task kind.",
			},
			[]string{"kind"},
		)

		crawlerRateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit resume delays.",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
			},
		)

		crawlerQueuedTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_queued_tasks",
				Help: "Number of tasks waiting in the scheduler queue.",
			},
		)

		publisherMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publisher_messages_total",
				Help: "Total messages handed to the broker, labeled by topic and outcome.",
			},
			[]string{"topic", "outcome"},
		)

		publisherInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "publisher_in_flight",
				Help: "Messages accepted by the broker but not yet acknowledged.",
			},
		)

		publisherDeadLettersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publisher_dead_letters_total",
				Help: "Total messages written to the dead-letter store, labeled by topic.",
			},
			[]string{"topic"},
		)

		sinkFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sink_flushes_total",
				Help: "Total bulk writes issued by the sink, labeled by collection and outcome.",
			},
			[]string{"collection", "outcome"},
		)

		sinkDocumentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sink_documents_total",
				Help: "Documents written by the sink, labeled by collection and result.",
			},
			[]string{"collection", "result"},
		)

		sinkBufferedDocuments = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sink_buffered_documents",
				Help: "Documents buffered per topic awaiting a flush.",
			},
			[]string{"topic"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveGitHubRequest records one GitHub API round trip.
func ObserveGitHubRequest(route string, code int, duration time.Duration) {
	Init()
	if route == "" {
		route = "unknown"
	}
	githubRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	githubRequestDurationSeconds.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveTask increments the task counter.
func ObserveTask(kind, outcome string) {
	Init()
	crawlerTasksTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRateLimitPause records a task deferred until the rate limit resets.
func ObserveRateLimitPause(kind string, delay time.Duration) {
	Init()
	crawlerRateLimitPausesTotal.WithLabelValues(kind).Inc()
	crawlerRateLimitDelaySeconds.Observe(delay.Seconds())
}

// SetQueuedTasks sets the scheduler queue depth.
func SetQueuedTasks(n int) {
	Init()
	crawlerQueuedTasks.Set(float64(n))
}

// ObservePublish increments the publish counter for topic.
func ObservePublish(topic, outcome string) {
	Init()
	publisherMessagesTotal.WithLabelValues(topic, outcome).Inc()
}

// SetPublisherInFlight sets the outstanding publish gauge.
func SetPublisherInFlight(n int64) {
	Init()
	publisherInFlight.Set(float64(n))
}

// ObserveDeadLetter counts a message parked in the dead-letter store.
func ObserveDeadLetter(topic string) {
	Init()
	publisherDeadLettersTotal.WithLabelValues(topic).Inc()
}

// FlushCounts is the per-result breakdown of one bulk write.
type FlushCounts struct {
	Inserted int
	Updated  int
	Matched  int
	Failed   int
}

// ObserveFlush records a sink bulk write. A non-nil err marks the whole batch failed.
func ObserveFlush(collection string, counts FlushCounts, err error) {
	Init()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	sinkFlushesTotal.WithLabelValues(collection, outcome).Inc()
	sinkDocumentsTotal.WithLabelValues(collection, "inserted").Add(float64(counts.Inserted))
	sinkDocumentsTotal.WithLabelValues(collection, "updated").Add(float64(counts.Updated))
	sinkDocumentsTotal.WithLabelValues(collection, "matched").Add(float64(counts.Matched))
	sinkDocumentsTotal.WithLabelValues(collection, "failed").Add(float64(counts.Failed))
}

// SetBuffered sets the buffered document gauge for topic.
func SetBuffered(topic string, n int) {
	Init()
	sinkBufferedDocuments.WithLabelValues(topic).Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
