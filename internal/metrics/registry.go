package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all pipeline metrics for the application.
type Registry struct {
	meter metric.Meter

	// Ingest pipeline
	EventsIngested    metric.Int64Counter
	EventsDropped     metric.Int64Counter
	EventsSuppressed  metric.Int64Counter
	EventsStored      metric.Int64Counter
	StoreRetries      metric.Int64Counter
	StoreFailures     metric.Int64Counter
	QueueDepth        metric.Int64ObservableGauge
	ProcessingLatency metric.Float64Histogram

	// Detection and correlation
	RuleCacheHits     metric.Int64Counter
	RuleCacheMisses   metric.Int64Counter
	RefinementsFired  metric.Int64Counter
	CorrelationsFired metric.Int64Counter

	// Threat intel cache
	IntelCacheHits    metric.Int64Counter
	IntelCacheMisses  metric.Int64Counter
	IntelCacheExpired metric.Int64Counter

	// Broadcast
	BroadcastSent     metric.Int64Counter
	BroadcastFailures metric.Int64Counter

	queueDepth atomic.Int64
}

// NewRegistry creates a registry with all pipeline instruments registered on
// the named meter.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	var err error
	if r.EventsIngested, err = r.meter.Int64Counter(
		"castellan.pipeline.events_ingested_total",
		metric.WithDescription("Raw events admitted to the ingest queue"),
	); err != nil {
		return nil, err
	}
	if r.EventsDropped, err = r.meter.Int64Counter(
		"castellan.pipeline.events_dropped_total",
		metric.WithDescription("Events dropped by queue overflow or exhausted retries"),
	); err != nil {
		return nil, err
	}
	if r.EventsSuppressed, err = r.meter.Int64Counter(
		"castellan.pipeline.events_suppressed_total",
		metric.WithDescription("Events suppressed by ignore patterns"),
	); err != nil {
		return nil, err
	}
	if r.EventsStored, err = r.meter.Int64Counter(
		"castellan.pipeline.events_stored_total",
		metric.WithDescription("Classified events persisted to the store"),
	); err != nil {
		return nil, err
	}
	if r.StoreRetries, err = r.meter.Int64Counter(
		"castellan.store.retries_total",
		metric.WithDescription("Store write retries after transient failures"),
	); err != nil {
		return nil, err
	}
	if r.StoreFailures, err = r.meter.Int64Counter(
		"castellan.store.failures_total",
		metric.WithDescription("Store writes abandoned after exhausting retries"),
	); err != nil {
		return nil, err
	}
	if r.QueueDepth, err = r.meter.Int64ObservableGauge(
		"castellan.pipeline.queue_depth",
		metric.WithDescription("Current ingest queue depth"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.queueDepth.Load())
			return nil
		}),
	); err != nil {
		return nil, err
	}
	if r.ProcessingLatency, err = r.meter.Float64Histogram(
		"castellan.pipeline.processing_duration",
		metric.WithDescription("End-to-end per-event processing duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000),
	); err != nil {
		return nil, err
	}

	if r.RuleCacheHits, err = r.meter.Int64Counter(
		"castellan.rules.cache_hits_total",
		metric.WithDescription("Rule cache hits"),
	); err != nil {
		return nil, err
	}
	if r.RuleCacheMisses, err = r.meter.Int64Counter(
		"castellan.rules.cache_misses_total",
		metric.WithDescription("Rule cache misses"),
	); err != nil {
		return nil, err
	}
	if r.RefinementsFired, err = r.meter.Int64Counter(
		"castellan.detection.refinements_total",
		metric.WithDescription("Context refinements applied to classified events"),
	); err != nil {
		return nil, err
	}
	if r.CorrelationsFired, err = r.meter.Int64Counter(
		"castellan.correlation.detections_total",
		metric.WithDescription("Correlation detector firings"),
	); err != nil {
		return nil, err
	}

	if r.IntelCacheHits, err = r.meter.Int64Counter(
		"castellan.intel.cache_hits_total",
		metric.WithDescription("Threat intel cache hits"),
	); err != nil {
		return nil, err
	}
	if r.IntelCacheMisses, err = r.meter.Int64Counter(
		"castellan.intel.cache_misses_total",
		metric.WithDescription("Threat intel cache misses"),
	); err != nil {
		return nil, err
	}
	if r.IntelCacheExpired, err = r.meter.Int64Counter(
		"castellan.intel.cache_expired_total",
		metric.WithDescription("Threat intel cache entries evicted on expiry"),
	); err != nil {
		return nil, err
	}

	if r.BroadcastSent, err = r.meter.Int64Counter(
		"castellan.broadcast.sent_total",
		metric.WithDescription("Events broadcast to live subscribers"),
	); err != nil {
		return nil, err
	}
	if r.BroadcastFailures, err = r.meter.Int64Counter(
		"castellan.broadcast.failures_total",
		metric.WithDescription("Broadcast attempts that failed"),
	); err != nil {
		return nil, err
	}

	return r, nil
}

// SetQueueDepth updates the observed ingest queue depth.
func (r *Registry) SetQueueDepth(depth int64) {
	r.queueDepth.Store(depth)
}
