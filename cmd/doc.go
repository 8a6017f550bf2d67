// Package cmd defines the gitcrawl CLI.
//
// Architecture overview:
//   - Scheduler: internal/crawler walks GitHub's /users or /repositories listing with a since cursor, fetches each
//     entity's detail inside [start-id, end-id), and optionally pages through its relations. A single goroutine owns
//     a time-ordered task queue; rate-limited tasks are pushed back to the reset time instead of blocking.
//   - Publisher: every detail and relation page is published to a gitcrawl-<kind> topic once the broker connection
//     is ready. Failed publishes are retried with backoff and then written as dead letters (memory/local/GCS).
//   - Sink: internal/sink consumes the same topics, buffers up to batch_size documents per topic and bulk upserts
//     them by id into the document store (memory, Postgres via pgx, MySQL via gorm). Buffers are flushed on close.
//   - Brokers: memory for single-process runs, Kafka (segmentio/kafka-go) or Google Cloud Pub/Sub otherwise.
//   - Operator API: chi serves /healthz, /readyz, /metrics and a small /v1/crawl surface for status and stop.
//
// Operational notes:
//   - Shutdown order is scheduler, publisher drain, sink drain and flush, then the API server.
//   - SIGINT and SIGTERM stop the crawl early; buffered documents are still written.
//   - Configure with a config.yaml, GITCRAWL_* environment variables or flags, e.g.
//     gitcrawl crawl --type user --start-id 0 --end-id 5000 --token $GITHUB_TOKEN --user-agent my-crawler.
package cmd
