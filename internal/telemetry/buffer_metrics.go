package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// BufferPoolMetrics holds all the metric instruments for the buffer pool.
type BufferPoolMetrics struct {
	PageHitsCounter     metric.Int64Counter
	PageMissesCounter   metric.Int64Counter
	EvictionsCounter    metric.Int64Counter
	PagesFlushedCounter metric.Int64Counter
	PinnedPagesUpDown   metric.Int64UpDownCounter
}

// NewBufferPoolMetrics creates and registers all the metrics for the
// buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	pageHitsCounter, err := meter.Int64Counter(
		"kagedb.buffer_pool.page_hits_total",
		metric.WithDescription("Total number of page requests served from the pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageMissesCounter, err := meter.Int64Counter(
		"kagedb.buffer_pool.page_misses_total",
		metric.WithDescription("Total number of page requests that went to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionsCounter, err := meter.Int64Counter(
		"kagedb.buffer_pool.evictions_total",
		metric.WithDescription("Total number of frames evicted by the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesFlushedCounter, err := meter.Int64Counter(
		"kagedb.buffer_pool.pages_flushed_total",
		metric.WithDescription("Total number of pages written back to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinnedPagesUpDown, err := meter.Int64UpDownCounter(
		"kagedb.buffer_pool.pinned_pages",
		metric.WithDescription("Number of outstanding page pins."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		PageHitsCounter:     pageHitsCounter,
		PageMissesCounter:   pageMissesCounter,
		EvictionsCounter:    evictionsCounter,
		PagesFlushedCounter: pagesFlushedCounter,
		PinnedPagesUpDown:   pinnedPagesUpDown,
	}, nil
}
