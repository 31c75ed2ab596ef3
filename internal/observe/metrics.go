package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScopeName is the instrumentation scope used for every meter and tracer.
const ScopeName = "github.com/ironsheep/image-loader"

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	memHits      metric.Int64Counter
	memMisses    metric.Int64Counter
	diskHits     metric.Int64Counter
	diskMisses   metric.Int64Counter
	diskFetches  metric.Int64Counter
	taskOutcomes metric.Int64Counter
	taskAttempts metric.Int64Counter
	taskDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.memHits, "imageloader.memcache.hits", "Memory cache lookups that found a bitmap", "{lookup}"},
		{&m.memMisses, "imageloader.memcache.misses", "Memory cache lookups that found nothing", "{lookup}"},
		{&m.diskHits, "imageloader.diskcache.hits", "Disk cache reads served without network access", "{read}"},
		{&m.diskMisses, "imageloader.diskcache.misses", "Disk cache reads that were absent or expired", "{read}"},
		{&m.diskFetches, "imageloader.diskcache.fetches", "Network fetches started by the disk cache", "{fetch}"},
		{&m.taskOutcomes, "imageloader.task.outcomes", "Tasks that reached a terminal state", "{task}"},
		{&m.taskAttempts, "imageloader.task.attempts", "Fetch, decode and transform attempts", "{attempt}"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.dst = inst
	}

	hist, err := meter.Float64Histogram(
		"imageloader.task.duration_ms",
		metric.WithDescription("Task run time from start to terminal state in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	m.taskDuration = hist

	return &m, nil
}

// DefaultMetrics creates instruments on the global meter provider. It
// returns nil when the provider refuses, which disables recording.
func DefaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(ScopeName))
	if err != nil {
		otel.Handle(err)
		return nil
	}
	return m
}

// MemoryCacheLookup records a memory cache hit or miss.
func (m *Metrics) MemoryCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.memHits.Add(ctx, 1)
	} else {
		m.memMisses.Add(ctx, 1)
	}
}

// DiskCacheLookup records a disk cache hit or miss.
func (m *Metrics) DiskCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.diskHits.Add(ctx, 1)
	} else {
		m.diskMisses.Add(ctx, 1)
	}
}

// DiskCacheFetch records a network fetch started by the disk cache.
func (m *Metrics) DiskCacheFetch(ctx context.Context, err error) {
	if m == nil {
		return
	}
	m.diskFetches.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", err != nil)))
}

// TaskAttempt records one pass through the fetch, decode and transform
// pipeline.
func (m *Metrics) TaskAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.taskAttempts.Add(ctx, 1)
}

// TaskFinished records a terminal task outcome and how long the task ran.
func (m *Metrics) TaskFinished(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(attribute.String("outcome", outcome))
	m.taskOutcomes.Add(ctx, 1, opt)
	m.taskDuration.Record(ctx, float64(d.Milliseconds()), opt)
}
