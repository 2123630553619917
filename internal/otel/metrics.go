package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Metrics holds the histsync instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	RequestOutcomes   metric.Int64Counter
	InferenceDuration metric.Float64Histogram
	StoreWriteRetries metric.Int64Counter
	SyncCycleDuration metric.Float64Histogram
	SyncUploads       metric.Int64Counter
	SyncDownloads     metric.Int64Counter
	SyncQueueDepth    metric.Int64Gauge
	LostMutations     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("histsync.request.duration",
		metric.WithDescription("Request lifetime from creation to durable final status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestOutcomes, err = meter.Int64Counter("histsync.request.outcomes",
		metric.WithDescription("Requests by final status"),
	)
	if err != nil {
		return nil, err
	}

	m.InferenceDuration, err = meter.Float64Histogram("histsync.inference.duration",
		metric.WithDescription("Inference call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreWriteRetries, err = meter.Int64Counter("histsync.store.write_retries",
		metric.WithDescription("History writes retried after a transient store error"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncCycleDuration, err = meter.Float64Histogram("histsync.sync.cycle.duration",
		metric.WithDescription("Sync cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncUploads, err = meter.Int64Counter("histsync.sync.uploads",
		metric.WithDescription("Queue items uploaded, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncDownloads, err = meter.Int64Counter("histsync.sync.downloads",
		metric.WithDescription("Remote rows merged, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncQueueDepth, err = meter.Int64Gauge("histsync.sync.queue_depth",
		metric.WithDescription("Sync queue depth after the last cycle"),
	)
	if err != nil {
		return nil, err
	}

	m.LostMutations, err = meter.Int64Counter("histsync.sync.lost_mutations",
		metric.WithDescription("Queue items dropped without remote confirmation"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// MustNoopMetrics returns instruments bound to a no-op meter.
func MustNoopMetrics() *Metrics {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		panic(err)
	}
	return m
}

// CounterTotals sums every int64 counter in rm by instrument name.
func CounterTotals(rm metricdata.ResourceMetrics) map[string]int64 {
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || !sum.IsMonotonic {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}
