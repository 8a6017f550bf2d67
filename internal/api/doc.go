// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for health checks. readyz reports 503 until the broker
//     connection is established.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/crawl/status for the scheduler's counters and cursor.
//   - POST /v1/crawl/stop to end the crawl early; buffers are flushed as on
//     normal completion.
package api
