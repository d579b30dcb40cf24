// Package metrics exposes process-wide Prometheus counters for the job
// pipeline, download engine, image cache and indexer, served on their own
// listener separate from the main API.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// New creates the Prometheus exporter, registers it as the global OTel
// meter provider, and instantiates every counter this daemon reports.
func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/bustesoul/varmanager")

	if m.JobsStartedTotal, err = meter.Int64Counter("jobs_started_total", metric.WithDescription("Total number of jobs started, by kind")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating jobs_started_total counter: %w", err)
	}
	if m.JobsFailedTotal, err = meter.Int64Counter("jobs_failed_total", metric.WithDescription("Total number of jobs that finished with an error, by kind")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating jobs_failed_total counter: %w", err)
	}
	if m.DownloadsCompletedTotal, err = meter.Int64Counter("downloads_completed_total", metric.WithDescription("Total number of downloads that completed successfully")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating downloads_completed_total counter: %w", err)
	}
	if m.DownloadsFailedTotal, err = meter.Int64Counter("downloads_failed_total", metric.WithDescription("Total number of downloads that failed after exhausting retries")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating downloads_failed_total counter: %w", err)
	}
	if m.DownloadedBytesTotal, err = meter.Int64Counter("downloaded_bytes_total", metric.WithDescription("Total bytes written to disk by the download engine")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating downloaded_bytes_total counter: %w", err)
	}
	if m.CacheEvictionsTotal, err = meter.Int64Counter("image_cache_evictions_total", metric.WithDescription("Total number of image cache entries evicted, by tier")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating image_cache_evictions_total counter: %w", err)
	}
	if m.PackagesIndexedTotal, err = meter.Int64Counter("packages_indexed_total", metric.WithDescription("Total number of package archives successfully parsed and upserted by the indexer")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating packages_indexed_total counter: %w", err)
	}
	if m.PackagesRemovedTotal, err = meter.Int64Counter("packages_removed_total", metric.WithDescription("Total number of package records removed because their archive disappeared or was swept as stale")); err != nil {
		return Metrics{}, fmt.Errorf("metrics: creating packages_removed_total counter: %w", err)
	}

	return m, nil
}

// Metrics holds every counter this daemon reports. The zero value is safe
// to use: every increment method is a no-op when its counter is nil, so
// components can be constructed and exercised in tests without calling New.
type Metrics struct {
	JobsStartedTotal        metric.Int64Counter
	JobsFailedTotal         metric.Int64Counter
	DownloadsCompletedTotal metric.Int64Counter
	DownloadsFailedTotal    metric.Int64Counter
	DownloadedBytesTotal    metric.Int64Counter
	CacheEvictionsTotal     metric.Int64Counter
	PackagesIndexedTotal    metric.Int64Counter
	PackagesRemovedTotal    metric.Int64Counter
}

// ListenAndServe serves the Prometheus scrape endpoint on addr until the
// process exits or the listener errors.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

func (m *Metrics) IncrementJobStarted(ctx context.Context, kind string) {
	if m == nil || m.JobsStartedTotal == nil {
		return
	}
	m.JobsStartedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) IncrementJobFailed(ctx context.Context, kind string) {
	if m == nil || m.JobsFailedTotal == nil {
		return
	}
	m.JobsFailedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) IncrementDownloadCompleted(ctx context.Context, bytes int64) {
	if m == nil || m.DownloadsCompletedTotal == nil || m.DownloadedBytesTotal == nil {
		return
	}
	m.DownloadsCompletedTotal.Add(ctx, 1)
	m.DownloadedBytesTotal.Add(ctx, bytes)
}

func (m *Metrics) IncrementDownloadFailed(ctx context.Context) {
	if m == nil || m.DownloadsFailedTotal == nil {
		return
	}
	m.DownloadsFailedTotal.Add(ctx, 1)
}

func (m *Metrics) IncrementCacheEviction(ctx context.Context, tier string) {
	if m == nil || m.CacheEvictionsTotal == nil {
		return
	}
	m.CacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (m *Metrics) AddPackagesIndexed(ctx context.Context, n int64) {
	if m == nil || n == 0 || m.PackagesIndexedTotal == nil {
		return
	}
	m.PackagesIndexedTotal.Add(ctx, n)
}

func (m *Metrics) AddPackagesRemoved(ctx context.Context, n int64) {
	if m == nil || n == 0 || m.PackagesRemovedTotal == nil {
		return
	}
	m.PackagesRemovedTotal.Add(ctx, n)
}
