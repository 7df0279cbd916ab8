// Package metrics pushes the collected metrics of an ingest run to a
// Pushgateway when the run ends.
// All metrics are defined in their respective packages (client, ratelimit,
// batch, store) via promauto and land in the default registry.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Gatherer is the source Push reads from.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// Push sends every registered metric to the Pushgateway at url under job.
// An empty url disables pushing. The jobs are short-lived batch processes,
// so nothing scrapes them directly.
func Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}

	if err := push.New(url, job).Gatherer(Gatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

// Metrics Documentation
//
// Limiter Metrics (pkg/ratelimit):
//   - gw2_limiter_wait_seconds (Histogram): Time spent waiting for a token
//   - gw2_limiter_tokens (Gauge): Tokens left after the last admission
//   - gw2_rate_limit_remaining (Gauge): Quota reported by X-Rate-Limit-Remaining
//
// Request Metrics (pkg/client):
//   - gw2_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - gw2_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - gw2_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - gw2_retries_total{error_class} (Counter): Retry attempts by error class
//   - gw2_retry_backoff_seconds{error_class} (Histogram): Sleep before a retry by error class
//   - gw2_retry_exhausted_total{error_class} (Counter): Requests that exhausted max attempts
//
// Pipeline Metrics (pkg/batch):
//   - gw2_pipeline_chunks_total{job} (Counter): Chunks fully processed
//   - gw2_pipeline_records_total{job, outcome} (Counter): Records mapped, dropped or skipped
//   - gw2_pipeline_chunk_duration_seconds{job} (Histogram): Fetch + convert + write per chunk
//
// Store Metrics (pkg/store):
//   - gw2_store_upsert_rows_total (Counter): Rows in committed upserts
//   - gw2_store_upsert_duration_seconds (Histogram): Upsert transaction duration
//   - gw2_store_errors_total{operation} (Counter): Failed upserts and queries
//
// Example Prometheus Queries:
//
//   # Throttling rate
//   rate(gw2_errors_total{class="rate_limit"}[5m])
//
//   # Share of dropped records
//   sum(gw2_pipeline_records_total{outcome="dropped"}) / sum(gw2_pipeline_records_total)
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(gw2_request_duration_seconds_bucket[5m]))
//
//   # Quota running low
//   gw2_rate_limit_remaining < 10
